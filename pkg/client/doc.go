// Package client is the Go SDK for fundingd.
//
// Reads are public; no key is required:
//
//	c, _ := client.New("http://localhost:8080")
//	round, err := c.GetRound(ctx, ledger)
//
// Creating rounds and depositing require an Ed25519 key. Each signed request
// carries a fresh short-lived token whose subject is the key's address, so the
// server knows who the authority or depositor is without any session state:
//
//	key, _ := identity.LoadKey(os.ExpandEnv("$HOME/.fundround/key.pem"))
//	c, _ := client.New("http://localhost:8080", client.WithSigner(key, "fundround"))
//
//	round, err := c.CreateRound(ctx, client.CreateRoundRequest{
//	    AllowedDepositors: []string{a, b, c, d, e},
//	    ExpiresAt:         time.Now().Add(24 * time.Hour),
//	})
//
//	receipt, err := c.Deposit(ctx, round.Ledger.Address, 500)
//	if errors.Is(err, client.ErrAlreadyDeposited) {
//	    // the signer's slot is already funded
//	}
//
// Server rejections are returned as *APIError; errors.Is matches them against
// the sentinel errors of this package.
package client
