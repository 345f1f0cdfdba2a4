package store

// Subscription is the browser push subscription as registered by a client.
// The store keeps the client's raw JSON verbatim; this struct is the decoded
// view used for delivery.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}
