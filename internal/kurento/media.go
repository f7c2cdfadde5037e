package kurento

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Kind identifies what a Handle represents on KMS, as a tagged variant
// rather than a deep type hierarchy (spec.md §9). Operations are not
// checked against the kind: every Handle method can be called on a Handle
// of any Kind.
type Kind int

const (
	KindPipeline Kind = iota
	KindWebRtcEndpoint
	KindRtpEndpoint
	KindGStreamerFilter
	KindFaceOverlayFilter
	KindZBarFilter
	KindComposite
	KindDispatcher
	KindRecorderEndpoint
	KindPlayerEndpoint
	KindHttpEndpoint
)

func (k Kind) String() string {
	switch k {
	case KindPipeline:
		return "MediaPipeline"
	case KindWebRtcEndpoint:
		return "WebRtcEndpoint"
	case KindRtpEndpoint:
		return "RtpEndpoint"
	case KindGStreamerFilter:
		return "GStreamerFilter"
	case KindFaceOverlayFilter:
		return "FaceOverlayFilter"
	case KindZBarFilter:
		return "ZBarFilter"
	case KindComposite:
		return "Composite"
	case KindDispatcher:
		return "Dispatcher"
	case KindRecorderEndpoint:
		return "RecorderEndpoint"
	case KindPlayerEndpoint:
		return "PlayerEndpoint"
	case KindHttpEndpoint:
		return "HttpEndpoint"
	default:
		return "Unknown"
	}
}

// Handle is a thin typed reference to one object living on KMS, identified
// by its remote object id. There is no central store of handles; Pipeline
// is stored as an id string, never a back-reference, so there are no
// reference cycles.
type Handle struct {
	// t is the Handle's only way to reach KMS; it is always the same
	// *Transport the owning Manager was constructed with (spec.md §9
	// "injected transport dependency, not a module-level singleton").
	t *Transport

	ID       string
	Kind     Kind
	Pipeline string // own id, if Kind == KindPipeline; otherwise the owning pipeline's id
}

// NewPipeline allocates a MediaPipeline. Two-step construction: the
// returned *Handle is only valid once `create` has been acknowledged by
// KMS (spec.md §9 "allocate then initialize").
func NewPipeline(ctx context.Context, t *Transport) (*Handle, error) {
	id, err := t.Create(ctx, KindPipeline.String(), map[string]any{})
	if err != nil {
		return nil, err
	}
	return &Handle{t: t, ID: id, Kind: KindPipeline, Pipeline: id}, nil
}

func newElement(ctx context.Context, t *Transport, kind Kind, pipeline *Handle, extraParams map[string]any) (*Handle, error) {
	params := map[string]any{"mediaPipeline": pipeline.ID}
	for k, v := range extraParams {
		params[k] = v
	}
	id, err := t.Create(ctx, kind.String(), params)
	if err != nil {
		return nil, err
	}
	return &Handle{t: t, ID: id, Kind: kind, Pipeline: pipeline.ID}, nil
}

func NewWebRtcEndpoint(ctx context.Context, t *Transport, pipeline *Handle) (*Handle, error) {
	return newElement(ctx, t, KindWebRtcEndpoint, pipeline, nil)
}

func NewRtpEndpoint(ctx context.Context, t *Transport, pipeline *Handle) (*Handle, error) {
	return newElement(ctx, t, KindRtpEndpoint, pipeline, nil)
}

func NewGStreamerFilter(ctx context.Context, t *Transport, pipeline *Handle, filter string) (*Handle, error) {
	return newElement(ctx, t, KindGStreamerFilter, pipeline, map[string]any{"command": filter})
}

func NewFaceOverlayFilter(ctx context.Context, t *Transport, pipeline *Handle) (*Handle, error) {
	return newElement(ctx, t, KindFaceOverlayFilter, pipeline, nil)
}

func NewZBarFilter(ctx context.Context, t *Transport, pipeline *Handle) (*Handle, error) {
	return newElement(ctx, t, KindZBarFilter, pipeline, nil)
}

func NewComposite(ctx context.Context, t *Transport, pipeline *Handle) (*Handle, error) {
	return newElement(ctx, t, KindComposite, pipeline, nil)
}

func NewDispatcher(ctx context.Context, t *Transport, pipeline *Handle) (*Handle, error) {
	return newElement(ctx, t, KindDispatcher, pipeline, nil)
}

func NewRecorderEndpoint(ctx context.Context, t *Transport, pipeline *Handle, uri string) (*Handle, error) {
	return newElement(ctx, t, KindRecorderEndpoint, pipeline, map[string]any{"uri": uri})
}

func NewPlayerEndpoint(ctx context.Context, t *Transport, pipeline *Handle, uri string) (*Handle, error) {
	return newElement(ctx, t, KindPlayerEndpoint, pipeline, map[string]any{"uri": uri})
}

func NewHttpEndpoint(ctx context.Context, t *Transport, pipeline *Handle) (*Handle, error) {
	return newElement(ctx, t, KindHttpEndpoint, pipeline, nil)
}

// Connect wires this element's output to sink's input (MediaElement
// `connect`, spec.md §6: `{sink: <objectId>}`).
func (h *Handle) Connect(ctx context.Context, sink *Handle) error {
	_, err := h.t.Invoke(ctx, h.ID, "connect", map[string]any{"sink": sink.ID})
	return err
}

// Release tears down this object on KMS.
func (h *Handle) Release(ctx context.Context) error {
	return h.t.Release(ctx, h.ID)
}

// GenerateOffer asks KMS to produce an SDP offer for this endpoint
// (SdpEndpoint.generateOffer).
func (h *Handle) GenerateOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	value, err := h.t.Invoke(ctx, h.ID, "generateOffer", nil)
	if err != nil {
		return nil, err
	}
	return decodeSDP(value, webrtc.SDPTypeOffer)
}

// ProcessOffer hands a browser's SDP offer to KMS and returns its answer
// (SdpEndpoint.processOffer(offer) → answer, spec.md §4.2/§6).
func (h *Handle) ProcessOffer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	value, err := h.t.Invoke(ctx, h.ID, "processOffer", map[string]any{"offer": offer.SDP})
	if err != nil {
		return nil, err
	}
	return decodeSDP(value, webrtc.SDPTypeAnswer)
}

// ProcessAnswer hands a browser's SDP answer to KMS (SdpEndpoint.processAnswer).
func (h *Handle) ProcessAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	_, err := h.t.Invoke(ctx, h.ID, "processAnswer", map[string]any{"answer": answer.SDP})
	return err
}

// AddIceCandidate forwards one ICE candidate to KMS
// (SdpEndpoint.addIceCandidate, spec.md §6: parameter key `candidate`).
func (h *Handle) AddIceCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	_, err := h.t.Invoke(ctx, h.ID, "addIceCandidate", map[string]any{"candidate": candidateParams(candidate)})
	return err
}

// GatherCandidates starts ICE gathering on this endpoint
// (SdpEndpoint.gatherCandidates).
func (h *Handle) GatherCandidates(ctx context.Context) error {
	_, err := h.t.Invoke(ctx, h.ID, "gatherCandidates", nil)
	return err
}

// SetOverlayedImage configures a FaceOverlayFilter's overlay image. The
// parameter names are bit-exact per spec.md §6.
func (h *Handle) SetOverlayedImage(ctx context.Context, uri string, offsetXPercent, offsetYPercent, widthPercent, heightPercent float64) error {
	_, err := h.t.Invoke(ctx, h.ID, "setOverlayedImage", map[string]any{
		"uri":            uri,
		"offsetXPercent": offsetXPercent,
		"offsetYPercent": offsetYPercent,
		"widthPercent":   widthPercent,
		"heightPercent":  heightPercent,
	})
	return err
}

// OnIceCandidateFound subscribes to IceCandidateFound and reports each
// candidate through onCandidate as a pion ICECandidateInit.
func (h *Handle) OnIceCandidateFound(ctx context.Context, onCandidate func(webrtc.ICECandidateInit)) (string, error) {
	return h.t.Subscribe(ctx, h.ID, "IceCandidateFound", func(value json.RawMessage) {
		var payload struct {
			Candidate struct {
				Candidate     string `json:"candidate"`
				SdpMid        string `json:"sdpMid"`
				SdpMLineIndex uint16 `json:"sdpMLineIndex"`
			} `json:"candidate"`
		}
		if err := json.Unmarshal(value, &payload); err != nil {
			return
		}
		mid := payload.Candidate.SdpMid
		idx := payload.Candidate.SdpMLineIndex
		onCandidate(webrtc.ICECandidateInit{
			Candidate:     payload.Candidate.Candidate,
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		})
	})
}

// Subscribe is the generic passthrough to Transport.Subscribe for event
// types that have no dedicated typed wrapper below. It lets a caller
// register for any SdpEndpoint/WebRtcEndpoint event by name while still
// going through the Handle's own object id (spec.md §4.2).
func (h *Handle) Subscribe(ctx context.Context, eventType string, handler EventHandler) (string, error) {
	return h.t.Subscribe(ctx, h.ID, eventType, handler)
}

// IceComponentState mirrors the IceComponentStateChange event payload.
type IceComponentState struct {
	State       string `json:"state"`
	StreamID    string `json:"streamId"`
	ComponentID string `json:"componentId"`
}

// OnIceComponentStateChange subscribes to IceComponentStateChange
// (SdpEndpoint, spec.md §4.2).
func (h *Handle) OnIceComponentStateChange(ctx context.Context, onChange func(IceComponentState)) (string, error) {
	return h.Subscribe(ctx, "IceComponentStateChange", func(value json.RawMessage) {
		var payload IceComponentState
		if err := json.Unmarshal(value, &payload); err != nil {
			return
		}
		onChange(payload)
	})
}

// OnIceGatheringDone subscribes to IceGatheringDone (SdpEndpoint, spec.md
// §4.2). The event carries no payload beyond the envelope, so onDone
// takes no arguments.
func (h *Handle) OnIceGatheringDone(ctx context.Context, onDone func()) (string, error) {
	return h.Subscribe(ctx, "IceGatheringDone", func(json.RawMessage) {
		onDone()
	})
}

// CandidatePair mirrors the candidatePair payload of NewCandidatePairSelected.
type CandidatePair struct {
	StreamID        string `json:"streamID"`
	ComponentID     string `json:"componentID"`
	LocalCandidate  string `json:"localCandidate"`
	RemoteCandidate string `json:"remoteCandidate"`
}

// OnNewCandidatePairSelected subscribes to NewCandidatePairSelected
// (SdpEndpoint, spec.md §4.2).
func (h *Handle) OnNewCandidatePairSelected(ctx context.Context, onSelected func(CandidatePair)) (string, error) {
	return h.Subscribe(ctx, "NewCandidatePairSelected", func(value json.RawMessage) {
		var payload struct {
			CandidatePair CandidatePair `json:"candidatePair"`
		}
		if err := json.Unmarshal(value, &payload); err != nil {
			return
		}
		onSelected(payload.CandidatePair)
	})
}

// OnDataChannelOpen subscribes to DataChannelOpen (SdpEndpoint, spec.md
// §4.2).
func (h *Handle) OnDataChannelOpen(ctx context.Context, onOpen func(channelID string)) (string, error) {
	return h.Subscribe(ctx, "DataChannelOpen", func(value json.RawMessage) {
		var payload struct {
			ChannelID string `json:"channelId"`
		}
		if err := json.Unmarshal(value, &payload); err != nil {
			return
		}
		onOpen(payload.ChannelID)
	})
}

// OnDataChannelClose subscribes to DataChannelClose (SdpEndpoint, spec.md
// §4.2).
func (h *Handle) OnDataChannelClose(ctx context.Context, onClose func(channelID string)) (string, error) {
	return h.Subscribe(ctx, "DataChannelClose", func(value json.RawMessage) {
		var payload struct {
			ChannelID string `json:"channelId"`
		}
		if err := json.Unmarshal(value, &payload); err != nil {
			return
		}
		onClose(payload.ChannelID)
	})
}

// OnConnectionStateChanged subscribes to ConnectionStateChanged
// (WebRtcEndpoint only, spec.md §4.2 "inherits ... plus").
func (h *Handle) OnConnectionStateChanged(ctx context.Context, onChange func(oldState, newState string)) (string, error) {
	return h.Subscribe(ctx, "ConnectionStateChanged", func(value json.RawMessage) {
		var payload struct {
			OldState string `json:"oldState"`
			NewState string `json:"newState"`
		}
		if err := json.Unmarshal(value, &payload); err != nil {
			return
		}
		onChange(payload.OldState, payload.NewState)
	})
}

// OnMediaStateChanged subscribes to MediaStateChanged (WebRtcEndpoint
// only, spec.md §4.2 "inherits ... plus").
func (h *Handle) OnMediaStateChanged(ctx context.Context, onChange func(oldState, newState string)) (string, error) {
	return h.Subscribe(ctx, "MediaStateChanged", func(value json.RawMessage) {
		var payload struct {
			OldState string `json:"oldState"`
			NewState string `json:"newState"`
		}
		if err := json.Unmarshal(value, &payload); err != nil {
			return
		}
		onChange(payload.OldState, payload.NewState)
	})
}

func candidateParams(c webrtc.ICECandidateInit) map[string]any {
	p := map[string]any{"candidate": c.Candidate}
	if c.SDPMid != nil {
		p["sdpMid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		p["sdpMLineIndex"] = *c.SDPMLineIndex
	}
	return p
}

func decodeSDP(value json.RawMessage, typ webrtc.SDPType) (*webrtc.SessionDescription, error) {
	var sdp string
	if err := json.Unmarshal(value, &sdp); err != nil {
		return nil, &ProtocolError{Reason: "expected a plain SDP string result"}
	}
	return &webrtc.SessionDescription{Type: typ, SDP: sdp}, nil
}
