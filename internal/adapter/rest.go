package adapter

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/JonesHong/ASRHub-sub000/internal/hub"
	"github.com/JonesHong/ASRHub-sub000/internal/session"
	"github.com/JonesHong/ASRHub-sub000/internal/session/fsm"
	"github.com/JonesHong/ASRHub-sub000/internal/transcript"
	"github.com/JonesHong/ASRHub-sub000/pkg/audio"
)

// createBody is the POST /v1/sessions request. Every field is optional; the
// empty body creates a session with the server defaults.
type createBody struct {
	Strategy      string   `json:"strategy,omitempty"`
	WakePhrases   []string `json:"wake_phrases,omitempty"`
	WakeThreshold float64  `json:"wake_threshold,omitempty"`
	Language      string   `json:"language,omitempty"`
	Hotwords      []string `json:"hotwords,omitempty"`
}

// sessionBody is the wire form of a session snapshot.
type sessionBody struct {
	SessionID    string    `json:"session_id"`
	Strategy     string    `json:"strategy"`
	State        string    `json:"state"`
	StateBefore  string    `json:"state_before,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Transitions  uint64    `json:"transitions"`

	Wake  *wakeBody `json:"wake,omitempty"`
	Queue queueBody `json:"queue"`
}

// wakeBody is the wire form of a wake hit, in snapshots, notifications and
// wake_detected event payloads.
type wakeBody struct {
	Trigger    string  `json:"trigger"`
	Confidence float64 `json:"confidence"`
	OffsetMS   int64   `json:"offset_ms"`
	Source     string  `json:"source,omitempty"`
}

type queueBody struct {
	Chunks      int    `json:"chunks"`
	Bytes       int    `json:"bytes"`
	Dropped     uint64 `json:"dropped"`
	Readers     int    `json:"readers"`
	OldestMS    int64  `json:"oldest_ms"`
	NewestEndMS int64  `json:"newest_end_ms"`
}

func toSessionBody(snap session.Snapshot) sessionBody {
	body := sessionBody{
		SessionID:    snap.ID,
		Strategy:     string(snap.Strategy),
		State:        string(snap.State),
		StateBefore:  string(snap.StateBefore),
		CreatedAt:    snap.CreatedAt,
		LastActivity: snap.LastActivity,
		Transitions:  snap.Transitions,
		Queue: queueBody{
			Chunks:      snap.Queue.Chunks,
			Bytes:       snap.Queue.Bytes,
			Dropped:     snap.Queue.Dropped,
			Readers:     snap.Queue.Readers,
			OldestMS:    snap.Queue.Oldest.Milliseconds(),
			NewestEndMS: snap.Queue.NewestEnd.Milliseconds(),
		},
	}
	if snap.Utterance != nil {
		body.Wake = &wakeBody{
			Trigger:    snap.Utterance.Trigger,
			Confidence: snap.Utterance.Confidence,
			OffsetMS:   snap.Utterance.At.Milliseconds(),
		}
	}
	return body
}

// eventBody is the POST /v1/sessions/{id}/events request. The payload is
// only read for wake_detected, where it carries a wake hit.
type eventBody struct {
	Event   string    `json:"event"`
	Payload *wakeBody `json:"payload,omitempty"`
}

// stateBody reports the state an event dispatch produced.
type stateBody struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

// ackBody reports where a pushed chunk landed in the session timeline.
type ackBody struct {
	TimestampMS int64  `json:"timestamp_ms"`
	Sequence    uint64 `json:"sequence"`
	Dropped     int    `json:"dropped"`
}

type transcriptBody struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	Text       string        `json:"text"`
	Language   string        `json:"language,omitempty"`
	Provider   string        `json:"provider,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	Segments   []segmentBody `json:"segments,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

type segmentBody struct {
	ID         int     `json:"id"`
	Text       string  `json:"text"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence,omitempty"`
}

func toTranscriptBody(rec transcript.Record) transcriptBody {
	body := transcriptBody{
		ID:         rec.ID,
		SessionID:  rec.SessionID,
		Text:       rec.Text,
		Language:   rec.Language,
		Provider:   rec.Provider,
		Confidence: rec.Confidence,
		DurationMS: rec.Duration.Milliseconds(),
		CreatedAt:  rec.CreatedAt,
	}
	for _, seg := range rec.Segments {
		body.Segments = append(body.Segments, segmentBody{
			ID:         seg.ID,
			Text:       seg.Text,
			StartMS:    seg.Start.Milliseconds(),
			EndMS:      seg.End.Milliseconds(),
			Confidence: seg.Confidence,
		})
	}
	return body
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	req := hub.CreateRequest{
		WakePhrases:   body.WakePhrases,
		WakeThreshold: body.WakeThreshold,
		Language:      body.Language,
		Hotwords:      body.Hotwords,
	}
	if body.Strategy != "" {
		strategy, err := fsm.ParseStrategy(body.Strategy)
		if err != nil {
			writeError(w, badRequestf("%v", err))
			return
		}
		req.Strategy = strategy
	}

	id, err := s.hub.CreateSession(req)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.hub.GetState(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("session created", "session_id", id, "strategy", snap.Strategy)
	writeJSON(w, http.StatusCreated, toSessionBody(snap))
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	snaps := s.hub.Sessions()
	out := make([]sessionBody, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, toSessionBody(snap))
	}
	writeJSON(w, http.StatusOK, struct {
		Sessions []sessionBody `json:"sessions"`
	}{Sessions: out})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.hub.GetState(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionBody(snap))
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.hub.DeleteSession(id); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("session deleted", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) dispatchEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body eventBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	event, err := fsm.ParseEvent(body.Event)
	if err != nil {
		writeError(w, badRequestf("%v", err))
		return
	}

	var payload any
	if event == fsm.EventWakeDetected && body.Payload != nil {
		payload = session.WakeDetection{
			Trigger:    body.Payload.Trigger,
			Confidence: body.Payload.Confidence,
			At:         time.Duration(body.Payload.OffsetMS) * time.Millisecond,
		}
	}

	state, err := s.hub.DispatchEvent(r.Context(), id, event, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateBody{SessionID: id, State: string(state)})
}

func (s *Server) pushAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	at := time.Duration(-1)
	if v := r.URL.Query().Get("timestamp_ms"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			writeError(w, badRequestf("timestamp_ms must be a non-negative integer"))
			return
		}
		at = time.Duration(ms) * time.Millisecond
	}

	format, err := formatFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	pcm, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{
				Error: errorBody{Code: "PAYLOAD_TOO_LARGE", Message: err.Error()},
			})
			return
		}
		writeError(w, badRequestf("read audio body: %v", err))
		return
	}
	if len(pcm) == 0 {
		writeError(w, badRequestf("empty audio body"))
		return
	}

	ack, err := s.hub.PushAudio(id, pcm, format, at)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackBody{
		TimestampMS: ack.Timestamp.Milliseconds(),
		Sequence:    ack.Sequence,
		Dropped:     ack.Dropped,
	})
}

func (s *Server) listTranscripts(w http.ResponseWriter, r *http.Request) {
	recs, err := s.hub.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]transcriptBody, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toTranscriptBody(rec))
	}
	writeJSON(w, http.StatusOK, struct {
		Transcripts []transcriptBody `json:"transcripts"`
	}{Transcripts: out})
}

// formatFromQuery builds an explicit PCM16 format from the sample_rate and
// channels query parameters. With neither set, the zero format lets the hub
// substitute its canonical format.
func formatFromQuery(r *http.Request) (audio.Format, error) {
	q := r.URL.Query()
	rateStr, chStr := q.Get("sample_rate"), q.Get("channels")
	if rateStr == "" && chStr == "" {
		return audio.Format{}, nil
	}
	if rateStr == "" || chStr == "" {
		return audio.Format{}, badRequestf("sample_rate and channels must be set together")
	}
	rate, err := strconv.Atoi(rateStr)
	if err != nil || rate <= 0 {
		return audio.Format{}, badRequestf("invalid sample_rate %q", rateStr)
	}
	ch, err := strconv.Atoi(chStr)
	if err != nil || ch <= 0 {
		return audio.Format{}, badRequestf("invalid channels %q", chStr)
	}
	return audio.Format{SampleRate: rate, Channels: ch, Encoding: audio.EncodingPCM16}, nil
}
