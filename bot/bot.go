// Package bot pins the interface the external Telegram bot process uses
// to mutate the credential store (§4.8). The bot subsystem itself — the
// long-polling Telegram client — is out of scope; only the contract it
// relies on lives here, exercised against the credstore's mutex by a
// small in-process Loopback double.
package bot

// CredentialIssuer is every operation the bot needs from the credential
// store (§4.2). credstore.Store satisfies this interface; tests use a
// smaller Loopback implementation so the bot/server concurrency contract
// can be exercised without a real Telegram client.
type CredentialIssuer interface {
	Exists(username string) bool
	CreateWithRandomPassword(username string) (string, error)
	Reset(username string) (string, error)
	LinkTelegram(telegramID, username string) error
}

// Loopback is a minimal in-process CredentialIssuer used to simulate the
// bot's registration flow ("/register <name>" -> create account -> link
// telegram id -> DM the password back") in tests, without spinning up a
// real long-polling Telegram client.
type Loopback struct {
	Issuer CredentialIssuer
}

// Register runs the bot's standard new-user flow: create an account with a
// random password, link the requester's telegram id to it, and return the
// password the bot would DM back to the user.
func (l Loopback) Register(telegramID, username string) (string, error) {
	pw, err := l.Issuer.CreateWithRandomPassword(username)
	if err != nil {
		return "", err
	}
	if err := l.Issuer.LinkTelegram(telegramID, username); err != nil {
		return "", err
	}
	return pw, nil
}
