package enums

// WebhookEventStatus tracks the durable dedup record for one notification id.
type WebhookEventStatus string

const (
	WebhookEventStatusReceived  WebhookEventStatus = "received"
	WebhookEventStatusProcessed WebhookEventStatus = "processed"
	WebhookEventStatusFailed    WebhookEventStatus = "failed"
)

// String implements fmt.Stringer.
func (w WebhookEventStatus) String() string {
	return string(w)
}
