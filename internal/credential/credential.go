package credential

// Credential is the token pair issued by an authorization provider. Both
// values are opaque: they are forwarded to the client and never inspected.
type Credential struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}
