package signaling

// inboundCandidate mirrors RTCIceCandidateInit as sent by the browser
// (spec.md §6). SdpMid/SdpMLineIndex are pointers because the zero value
// of each is itself meaningful and must be distinguished from "absent".
type inboundCandidate struct {
	Candidate     string  `json:"candidate"`
	SdpMid        *string `json:"sdpMid,omitempty"`
	SdpMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// envelope is the generic shape of every inbound client frame. Only the
// fields relevant to msg.ID are populated by the sender; unused fields
// decode to their zero value (spec.md §4.6, §6).
type envelope struct {
	ID        string            `json:"id"`
	Room      string            `json:"room,omitempty"`
	Name      string            `json:"name,omitempty"`
	Sender    string            `json:"sender,omitempty"`
	SdpOffer  string            `json:"sdpOffer,omitempty"`
	SdpAnswer string            `json:"sdpAnswer,omitempty"`
	Candidate *inboundCandidate `json:"candidate,omitempty"`
}
