package models

// BookingPaymentView is the status-poll payload: the booking, its payment if
// one exists, and whether the pair currently sits on an allowed combination.
type BookingPaymentView struct {
	Booking    *Booking `json:"booking"`
	Payment    *Payment `json:"payment,omitempty"`
	Consistent bool     `json:"consistent"`
}

// NewBookingPaymentView derives the consistency flag from the pair table.
func NewBookingPaymentView(b *Booking, p *Payment) BookingPaymentView {
	var ps *PaymentStatus
	if p != nil {
		ps = &p.Status
	}
	return BookingPaymentView{
		Booking:    b,
		Payment:    p,
		Consistent: ConsistentPair(b.Status, ps),
	}
}
