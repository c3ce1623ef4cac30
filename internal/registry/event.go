package registry

import "github.com/klpq/chat-auth-bridge/internal/credential"

// EventKind names a server-initiated event on the push channel. The set is
// closed: one kind per authorization provider.
type EventKind string

const (
	TwitchUser  EventKind = "twitch_user"
	YoutubeUser EventKind = "youtube_user"
	KickUser    EventKind = "kick_user"
	KlpqUser    EventKind = "klpq_user"
)

// Event is a typed notification delivered to a push channel. Data is either a
// credential.Credential or, for KlpqUser, the signed delegated token string.
type Event struct {
	Kind EventKind
	Data any
}

// CredentialEvent builds the event for a provider that issues a token pair.
func CredentialEvent(kind EventKind, cred credential.Credential) Event {
	return Event{Kind: kind, Data: cred}
}

// DelegatedTokenEvent builds the klpq event carrying the service-signed token.
func DelegatedTokenEvent(signed string) Event {
	return Event{Kind: KlpqUser, Data: signed}
}
