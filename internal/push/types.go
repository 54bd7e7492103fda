package push

// SubscriptionKeys carries the opaque client auth material of a web push
// subscription. The relay never interprets it, it only stores and forwards.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is one push endpoint registered by a user's browser.
// Endpoints are unique within a user; re-subscribing an endpoint replaces
// the earlier registration.
type Subscription struct {
	Endpoint string           `json:"endpoint"`
	Keys     SubscriptionKeys `json:"keys"`
}

// Notification is the payload handed to the push transport.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag,omitempty"`
}
