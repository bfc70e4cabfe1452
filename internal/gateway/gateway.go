package gateway

import "context"

const (
	DriverWebhook  = "webhook"
	DriverTelegram = "telegram"
)

// Gateway is the outbound delivery port used by the delivery worker and test sends.
//
// Send returns a *ThrottledError when the channel asks the caller to slow down and a
// *GatewayError for every other failure, with Transient set for outages worth retrying.
type Gateway interface {
	Send(ctx context.Context, target, text string) (*Receipt, error)
	Name() string
}

// Receipt is the channel acknowledgement of one delivered message.
type Receipt struct {
	StatusCode int
	MessageID  string
}
