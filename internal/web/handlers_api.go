package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"plantsip-bridge/internal/coordinator"
	"plantsip-bridge/internal/entity"
	"plantsip-bridge/internal/plantsip"
)

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
	Field  string `json:"field,omitempty"`
}

func (s *Server) handleAPISnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

type refreshStatus struct {
	At                  time.Time `json:"at,omitempty"`
	Duration            string    `json:"duration,omitempty"`
	Success             bool      `json:"success"`
	Error               string    `json:"error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

type statusResponse struct {
	State       string        `json:"state"`
	Ready       bool          `json:"ready"`
	Seq         uint64        `json:"seq"`
	Revision    uint64        `json:"revision"`
	Degraded    bool          `json:"degraded"`
	Interval    string        `json:"interval"`
	Available   int           `json:"available"`
	Unavailable int           `json:"unavailable"`
	Removed     int           `json:"removed"`
	LastRefresh refreshStatus `json:"last_refresh"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.Snapshot()
	last := s.coord.LastRefresh()
	available, unavailable, removed := snap.Counts()

	resp := statusResponse{
		State:       s.coord.State().String(),
		Ready:       s.coord.Ready(),
		Seq:         snap.Seq,
		Revision:    snap.Revision,
		Degraded:    snap.Degraded,
		Interval:    s.coord.Config().Interval.String(),
		Available:   available,
		Unavailable: unavailable,
		Removed:     removed,
		LastRefresh: refreshStatus{
			At:                  last.At,
			Success:             last.Success,
			ConsecutiveFailures: last.ConsecutiveFailures,
		},
	}
	if !last.At.IsZero() {
		resp.LastRefresh.Duration = last.Duration.String()
	}
	if last.Err != nil {
		resp.LastRefresh.Error = last.Err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Refresh(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	snap := s.coord.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "seq": snap.Seq})
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot().Records())
}

// entityView is one entity of a device with its current value.
type entityView struct {
	UniqueID string      `json:"unique_id"`
	Kind     entity.Kind `json:"kind"`
	Name     string      `json:"name"`
	Unit     string      `json:"unit,omitempty"`
	Channel  *int        `json:"channel_id,omitempty"`
	Value    any         `json:"value"`
	Known    bool        `json:"known"`
}

type deviceResponse struct {
	*coordinator.DeviceRecord
	Entities []entityView `json:"entities"`
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.coord.Snapshot().Device(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "device not found"})
		return
	}

	descs := entity.ForDevice(rec)
	resp := deviceResponse{DeviceRecord: rec, Entities: make([]entityView, 0, len(descs))}
	for i := range descs {
		d := &descs[i]
		v := entityView{UniqueID: d.UniqueID, Kind: d.Kind, Name: d.Name, Unit: d.Unit}
		if d.PerChannel {
			ch := d.ChannelID
			v.Channel = &ch
		}
		v.Value, v.Known = d.Value(rec)
		resp.Entities = append(resp.Entities, v)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type waterRequest struct {
	Amount *float64 `json:"amount"`
}

func (s *Server) handleAPIWater(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	channelID, ok := s.channelParam(w, r)
	if !ok {
		return
	}

	var req waterRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}

	amount := plantsip.DefaultWaterAmount
	if req.Amount != nil {
		amount = *req.Amount
	} else if rec, ok := s.coord.Snapshot().Device(deviceID); ok {
		if ch, ok := rec.Device.Channel(channelID); ok {
			amount = ch.ManualWaterAmount
		}
	}

	ack, err := s.coord.TriggerWatering(r.Context(), deviceID, channelID, amount)
	if err != nil {
		s.logger.Warn("water", "device_id", deviceID, "channel_id", channelID, "err", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleAPIUpdateChannel(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	channelID, ok := s.channelParam(w, r)
	if !ok {
		return
	}

	var patch plantsip.ChannelConfigPatch
	if !s.decodeBody(w, r, &patch, false) {
		return
	}

	confirmed, err := s.coord.SetChannelConfig(r.Context(), deviceID, channelID, patch)
	if err != nil {
		s.logger.Warn("update channel", "device_id", deviceID, "channel_id", channelID, "err", err)
		s.writeError(w, err)
		return
	}

	resp := map[string]interface{}{"confirmed": confirmed}
	if rec, ok := s.coord.Snapshot().Device(deviceID); ok {
		if ch, ok := rec.Device.Channel(channelID); ok {
			resp["channel"] = ch
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// channelParam parses the {channel} path value.
func (s *Server) channelParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("channel"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid channel id", Field: "channel_id"})
		return 0, false
	}
	return id, true
}

// decodeBody decodes a JSON request body into v. An empty body is accepted
// when optional is set.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	return false
}

// writeError maps coordinator and API errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *plantsip.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation_failed", Detail: err.Error(), Field: verr.Field})
	case errors.Is(err, coordinator.ErrUnknownDevice), errors.Is(err, coordinator.ErrUnknownChannel):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Detail: err.Error()})
	case errors.Is(err, coordinator.ErrRefreshInProgress):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: "refresh_in_progress"})
	case errors.Is(err, coordinator.ErrNotReady):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "not_ready"})
	case errors.Is(err, plantsip.ErrAuth):
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: "auth_failed", Detail: err.Error()})
	case errors.Is(err, plantsip.ErrConnection):
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: "cannot_connect", Detail: err.Error()})
	default:
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: "api_error", Detail: err.Error()})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
