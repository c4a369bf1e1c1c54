package contracts

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Message types on the dispatch topic (mechanic-addressed).
const (
	TypeNewRequest     = "NEW_REQUEST"
	TypeAccept         = "accept"
	TypeDecline        = "decline"
	TypeAcceptResult   = "ACCEPT_RESULT"
	TypeDeclineResult  = "DECLINE_RESULT"
	TypeOfferWithdrawn = "OFFER_WITHDRAWN"
)

// Message types on the tracking topic (booking-addressed).
const (
	TypeMechanicAssigned   = "MECHANIC_ASSIGNED"
	TypeNoMechanicAccepted = "NO_MECHANIC_ACCEPTED"
	TypeLocationUpdate     = "LOCATION_UPDATE"
	TypeBookingStatus      = "BOOKING_STATUS"
	TypeJobCompleted       = "JOB_COMPLETED"
	TypeBookingCancelled   = "BOOKING_CANCELLED"
)

// Message types on the call topic (booking-addressed).
const (
	TypeStartCall    = "start_call"
	TypeIncomingCall = "incoming_call"
	TypeAcceptCall   = "accept_call"
	TypeRejectCall   = "reject_call"
	TypeEndCall      = "end_call"
	TypeCallBusy     = "call_busy"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

const TypeError = "error"

// Offer result statuses.
const (
	ResultAccepted     = "accepted"
	ResultAlreadyTaken = "already_taken"
	ResultExpired      = "expired"
	ResultDeclined     = "declined"
)

// Reasons carried by withdrawals, cancellations and synthesized call endings.
const (
	ReasonTimeout          = "timeout"
	ReasonTaken            = "taken"
	ReasonCancelled        = "cancelled"
	ReasonDisconnected     = "peer_disconnected"
	ReasonNoAnswer         = "no_answer"
	ReasonBookingClosed    = "booking_closed"
	ReasonNoMechanic       = "NO_MECHANIC_AVAILABLE"
	MessageNoMechanic      = "No mechanic accepted yet. You can try again."
	MessageServiceComplete = "Service Completed"
)

// InboundEnvelope is the part of every inbound frame routing looks at.
type InboundEnvelope struct {
	Type string `json:"type"`
}

// WSOfferResponse is a mechanic's accept or decline.
type WSOfferResponse struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	MechanicID string `json:"mechanic_id,omitempty"`
}

// WSNewRequest is the offer pushed to one candidate mechanic.
type WSNewRequest struct {
	Type         string    `json:"type"` // NEW_REQUEST
	RequestID    string    `json:"request_id"`
	BookingID    string    `json:"booking_id"`
	Problem      string    `json:"problem"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	LocationText string    `json:"location_text,omitempty"`
	VehicleType  string    `json:"vehicle_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// WSOfferResult answers accept/decline.
type WSOfferResult struct {
	Type      string `json:"type"` // ACCEPT_RESULT | DECLINE_RESULT
	RequestID string `json:"request_id"`
	BookingID string `json:"booking_id,omitempty"`
	Status    string `json:"status"`
}

// WSOfferWithdrawn tells a mechanic an offer is no longer open.
type WSOfferWithdrawn struct {
	Type      string `json:"type"` // OFFER_WITHDRAWN
	RequestID string `json:"request_id"`
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason"`
}

// WSMechanicAssigned goes to the requester once, for the winning mechanic.
type WSMechanicAssigned struct {
	Type          string   `json:"type"` // MECHANIC_ASSIGNED
	BookingID     string   `json:"booking_id"`
	MechanicID    string   `json:"mechanic_id"`
	MechanicName  string   `json:"mechanic_name,omitempty"`
	MechanicPhone string   `json:"mechanic_phone,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
}

// WSNoMechanicAccepted is sent when the candidate queue runs dry.
type WSNoMechanicAccepted struct {
	Type      string `json:"type"` // NO_MECHANIC_ACCEPTED
	BookingID string `json:"booking_id"`
	Message   string `json:"message"`
}

// WSLocationReport is the inbound location frame.
type WSLocationReport struct {
	Type      string  `json:"type"` // LOCATION_UPDATE
	Sender    string  `json:"sender,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// WSLocationUpdate is a relayed sample.
type WSLocationUpdate struct {
	Type       string    `json:"type"` // LOCATION_UPDATE
	BookingID  string    `json:"booking_id"`
	Sender     string    `json:"sender"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Status     string    `json:"status,omitempty"`
	ReportedAt time.Time `json:"reported_at"`
}

// WSBookingStatus announces a lifecycle change to both parties.
type WSBookingStatus struct {
	Type      string `json:"type"` // BOOKING_STATUS
	BookingID string `json:"booking_id"`
	Status    string `json:"status"`
}

// WSJobCompleted closes a booking successfully.
type WSJobCompleted struct {
	Type      string   `json:"type"` // JOB_COMPLETED
	BookingID string   `json:"booking_id"`
	Fare      *float64 `json:"fare,omitempty"`
	Message   string   `json:"message"`
}

// WSBookingCancelled closes a booking without service.
type WSBookingCancelled struct {
	Type      string `json:"type"` // BOOKING_CANCELLED
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason,omitempty"`
}

// WSCallSignal covers the control frames of the call topic. Negotiation frames
// (offer, answer, ice-candidate) are forwarded as received and never re-encoded.
type WSCallSignal struct {
	Type       string             `json:"type"`
	BookingID  string             `json:"booking_id,omitempty"`
	CallID     string             `json:"call_id,omitempty"`
	Sender     string             `json:"sender,omitempty"`
	From       string             `json:"from,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	ICEServers []webrtc.ICEServer `json:"ice_servers,omitempty"`
}
