package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/JonesHong/ASRHub-sub000/internal/hub"
	"github.com/JonesHong/ASRHub-sub000/internal/session/fsm"
	"github.com/JonesHong/ASRHub-sub000/pkg/audio"
)

// wsWriteTimeout bounds a single outbound frame. A client that cannot drain
// its socket within this window loses the connection, not the session.
const wsWriteTimeout = 5 * time.Second

// wsInbound is the client-to-server control frame. Type selects which of
// the remaining fields are read.
type wsInbound struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// create
	Strategy      string   `json:"strategy,omitempty"`
	WakePhrases   []string `json:"wake_phrases,omitempty"`
	WakeThreshold float64  `json:"wake_threshold,omitempty"`
	Language      string   `json:"language,omitempty"`
	Hotwords      []string `json:"hotwords,omitempty"`

	// event
	Event string `json:"event,omitempty"`

	// format
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

// wsReply is the server-to-client control frame: "created" and "attached"
// binding confirmations plus "error" frames.
type wsReply struct {
	Type      string     `json:"type"`
	SessionID string     `json:"session_id,omitempty"`
	State     string     `json:"state,omitempty"`
	Strategy  string     `json:"strategy,omitempty"`
	Error     *errorBody `json:"error,omitempty"`
}

// notifBody is the wire form of a hub notification. Its type field shares
// the control reply namespace, so one frame decoder serves both. State
// changes ride under a "transition" key; the flat "state" key stays a plain
// string in control replies.
type notifBody struct {
	Type       string               `json:"type"`
	SessionID  string               `json:"session_id"`
	At         time.Time            `json:"at"`
	Transition *hub.StateChange     `json:"transition,omitempty"`
	Wake       *wakeBody            `json:"wake,omitempty"`
	Transcript *hub.TranscriptEvent `json:"transcript,omitempty"`
	Error      *hub.ErrorEvent      `json:"error,omitempty"`
}

func toNotifBody(n hub.Notification) notifBody {
	body := notifBody{
		Type:       string(n.Type),
		SessionID:  n.SessionID,
		At:         n.At,
		Transition: n.State,
		Transcript: n.Transcript,
		Error:      n.Error,
	}
	if n.Wake != nil {
		body.Wake = &wakeBody{
			Trigger:    n.Wake.Trigger,
			Confidence: n.Wake.Confidence,
			OffsetMS:   n.Wake.Offset.Milliseconds(),
			Source:     n.Wake.Source,
		}
	}
	return body
}

// stream upgrades GET /v1/stream to a WebSocket carrying JSON control and
// binary audio inbound, JSON notifications outbound.
//
// Client text frames:
//
//	{"type":"create","strategy":"streaming_realtime",...}  create and bind
//	{"type":"attach","session_id":"..."}                   bind an existing session
//	{"type":"event","event":"start_listening"}             dispatch a session event
//	{"type":"format","sample_rate":16000,"channels":1,"encoding":"pcm16"}
//
// Binary frames carry audio for the bound session: raw PCM16 in the declared
// format (default: the hub's canonical format), or one Opus packet per frame
// when the declared encoding is "opus". Audio frames are not individually
// acknowledged; use the REST ingest endpoint when acks matter.
//
// A ?session_id= query parameter binds like an immediate attach. Sessions
// outlive their socket: closing the connection keeps the session running,
// and a later attach resumes its notification feed.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin filtering is left to the fronting proxy.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Debug("websocket accept failed", "err", err)
		return
	}

	c := &wsConn{srv: s, conn: conn}
	c.run(r.Context(), r.URL.Query().Get("session_id"))
}

// wsConn is one accepted streaming socket, bound to at most one session.
// All mutable fields belong to the read loop; writeMu serializes frame
// writes between the read loop and the notification pump.
type wsConn struct {
	srv  *Server
	conn *websocket.Conn

	writeMu sync.Mutex

	sessionID string
	format    audio.Format
	opus      *audio.OpusDecoder
	cancelSub func()
	pumpDone  chan struct{}
}

func (c *wsConn) run(ctx context.Context, attachID string) {
	defer c.teardown()

	if attachID != "" {
		if err := c.attach(ctx, attachID); err != nil {
			c.sendError(ctx, err)
			c.conn.Close(websocket.StatusPolicyViolation, "attach failed")
			return
		}
	}

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageText:
			if err := c.handleControl(ctx, data); err != nil {
				c.sendError(ctx, err)
			}
		case websocket.MessageBinary:
			if err := c.handleAudio(data); err != nil {
				c.sendError(ctx, err)
			}
		}
	}
}

func (c *wsConn) handleControl(ctx context.Context, data []byte) error {
	var msg wsInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return badRequestf("decode control frame: %v", err)
	}

	switch msg.Type {
	case "create":
		return c.create(ctx, msg)
	case "attach":
		if msg.SessionID == "" {
			return badRequestf("attach requires session_id")
		}
		return c.attach(ctx, msg.SessionID)
	case "event":
		return c.dispatch(ctx, msg.Event)
	case "format":
		return c.setFormat(msg)
	default:
		return badRequestf("unknown control type %q", msg.Type)
	}
}

func (c *wsConn) create(ctx context.Context, msg wsInbound) error {
	if c.sessionID != "" {
		return badRequestf("a session is already bound to this socket")
	}

	req := hub.CreateRequest{
		WakePhrases:   msg.WakePhrases,
		WakeThreshold: msg.WakeThreshold,
		Language:      msg.Language,
		Hotwords:      msg.Hotwords,
	}
	if msg.Strategy != "" {
		strategy, err := fsm.ParseStrategy(msg.Strategy)
		if err != nil {
			return badRequestf("%v", err)
		}
		req.Strategy = strategy
	}

	id, err := c.srv.hub.CreateSession(req)
	if err != nil {
		return err
	}
	snap, err := c.srv.hub.GetState(id)
	if err != nil {
		return err
	}
	if err := c.bind(ctx, id); err != nil {
		return err
	}
	c.srv.log.Info("session created", "session_id", id, "strategy", snap.Strategy, "transport", "websocket")
	return c.send(ctx, wsReply{
		Type:      "created",
		SessionID: id,
		State:     string(snap.State),
		Strategy:  string(snap.Strategy),
	})
}

func (c *wsConn) attach(ctx context.Context, id string) error {
	if c.sessionID != "" {
		return badRequestf("a session is already bound to this socket")
	}
	snap, err := c.srv.hub.GetState(id)
	if err != nil {
		return err
	}
	if err := c.bind(ctx, id); err != nil {
		return err
	}
	return c.send(ctx, wsReply{
		Type:      "attached",
		SessionID: id,
		State:     string(snap.State),
		Strategy:  string(snap.Strategy),
	})
}

// bind subscribes to the session and starts the notification pump.
func (c *wsConn) bind(ctx context.Context, id string) error {
	ch, cancel, err := c.srv.hub.Subscribe(id)
	if err != nil {
		return err
	}
	c.sessionID = id
	c.cancelSub = cancel
	c.pumpDone = make(chan struct{})
	go c.pump(ctx, ch)
	return nil
}

func (c *wsConn) dispatch(ctx context.Context, event string) error {
	if c.sessionID == "" {
		return badRequestf("no session bound, send create or attach first")
	}
	ev, err := fsm.ParseEvent(event)
	if err != nil {
		return badRequestf("%v", err)
	}
	// The resulting transition arrives on the notification feed.
	_, err = c.srv.hub.DispatchEvent(ctx, c.sessionID, ev, nil)
	return err
}

func (c *wsConn) setFormat(msg wsInbound) error {
	if msg.SampleRate <= 0 || msg.Channels <= 0 {
		return badRequestf("format requires positive sample_rate and channels")
	}
	switch audio.Encoding(msg.Encoding) {
	case audio.EncodingOpus:
		dec, err := audio.NewOpusDecoder(msg.SampleRate, msg.Channels)
		if err != nil {
			return badRequestf("%v", err)
		}
		c.opus = dec
		c.format = dec.Format()
	case audio.EncodingPCM16, "":
		c.opus = nil
		c.format = audio.Format{
			SampleRate: msg.SampleRate,
			Channels:   msg.Channels,
			Encoding:   audio.EncodingPCM16,
		}
	default:
		return badRequestf("unsupported encoding %q", msg.Encoding)
	}
	return nil
}

func (c *wsConn) handleAudio(frame []byte) error {
	if c.sessionID == "" {
		return badRequestf("no session bound, send create or attach first")
	}
	pcm := frame
	if c.opus != nil {
		decoded, err := c.opus.Decode(frame)
		if err != nil {
			return badRequestf("%v", err)
		}
		pcm = decoded
	}
	_, err := c.srv.hub.PushAudio(c.sessionID, pcm, c.format, -1)
	return err
}

// pump forwards the session's notifications until the subscription closes,
// then closes the socket so the read loop unblocks. The subscription closes
// when the session is deleted, swept, or the hub shuts down.
func (c *wsConn) pump(ctx context.Context, ch <-chan hub.Notification) {
	defer close(c.pumpDone)
	for n := range ch {
		if err := c.send(ctx, toNotifBody(n)); err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
}

func (c *wsConn) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) sendError(ctx context.Context, err error) {
	_, code := statusOf(err)
	reply := wsReply{
		Type:      "error",
		SessionID: c.sessionID,
		Error:     &errorBody{Code: code, Message: messageOf(err)},
	}
	if sendErr := c.send(ctx, reply); sendErr != nil {
		c.srv.log.Debug("websocket error frame dropped",
			"session_id", c.sessionID, "err", sendErr)
	}
}

func (c *wsConn) teardown() {
	if c.cancelSub != nil {
		c.cancelSub()
		<-c.pumpDone
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}
