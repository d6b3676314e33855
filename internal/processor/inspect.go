package processor

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/synaptiq/biopipe/internal/api"
	"github.com/synaptiq/biopipe/internal/packet"
)

// Routes registers the packet inspection endpoint. It runs the same
// decompress+parse path as the consumer so operators can check a
// payload without enqueueing it.
func (p *Processor) Routes(r chi.Router) {
	r.Post("/inspect", p.Inspect)
}

type inspectRequest struct {
	PayloadBase64 string `json:"payload_base64"`
}

type inspectChannel struct {
	Name string `json:"name"`
	Type uint8  `json:"type"`
}

type inspectResponse struct {
	Header          string           `json:"header"`
	DeviceID        string           `json:"device_id,omitempty"`
	Channels        []inspectChannel `json:"channels,omitempty"`
	NumSamples      int              `json:"num_samples"`
	StartTimeDevice uint32           `json:"start_time_device"`
	EndTimeDevice   uint32           `json:"end_time_device"`
	NumTriggers     int              `json:"num_triggers"`
}

// Inspect handles POST /api/v1/inspect.
func (p *Processor) Inspect(w http.ResponseWriter, r *http.Request) {
	var req inspectRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	compressed, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "payload_base64 is not valid base64")
		return
	}

	decompressed, err := p.dec.DecodeAll(compressed, nil)
	if err != nil {
		api.WriteErrorDetail(w, http.StatusBadRequest, "zstd decompression failed", err.Error())
		return
	}

	pkt, err := packet.Parse(decompressed)
	if err != nil {
		api.WriteErrorDetail(w, http.StatusBadRequest, "packet parse failed", err.Error())
		return
	}

	resp := inspectResponse{
		Header:          "legacy",
		DeviceID:        pkt.DeviceID(),
		NumSamples:      pkt.NumSamples(),
		StartTimeDevice: pkt.StartTime(),
		EndTimeDevice:   pkt.EndTime(),
		NumTriggers:     len(pkt.Triggers()),
	}
	if pkt.Kind() == packet.KindChannelMap {
		resp.Header = "channel_map"
		for _, ch := range pkt.Channels() {
			resp.Channels = append(resp.Channels, inspectChannel{Name: ch.Name, Type: ch.Type})
		}
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
