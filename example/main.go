package main

import (
	"context"
	"fmt"
	"log"

	"github.com/tunaaoguzhann/session-ledger/core"
)

type printNotifier struct {
	lastKey string
}

func (n *printNotifier) NotifyReset(_ context.Context, notice core.ResetNotice) error {
	n.lastKey = notice.Key
	fmt.Printf("  (email to %s) reset link: %s\n", notice.Email, notice.Link)
	return nil
}

func main() {
	notifier := &printNotifier{}
	ledgers, err := core.NewLedgersWithOptions(core.Options{Notifier: notifier})
	if err != nil {
		log.Fatalf("Failed to create ledgers: %v", err)
	}
	defer ledgers.Close()

	ctx := context.Background()

	hash, err := core.HashPassword("secret123", 0)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}
	user := &core.User{Name: "Ayse Demir", Email: "ayse@example.com", Role: core.RoleDriver, PasswordHash: hash}
	if err := ledgers.Users.Create(ctx, user); err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}

	browser := ledgers.Tokens.ForDevice("laptop-1", core.NewMemoryCookieJar())
	token := browser.Issue(ctx, user.Profile(), "")

	fmt.Printf("Issued Token:\n")
	fmt.Printf("  Token ID: %s\n", token.ID)
	fmt.Printf("  User ID: %s\n", token.UserID)
	fmt.Printf("  Devices: %v\n", token.DeviceIDs)
	fmt.Printf("  Expires At: %s\n", token.ExpiresAt)

	if valid := ledgers.Tokens.Validate(ctx, token.ID); valid != nil {
		fmt.Printf("\nToken is valid for %s (%s)\n", valid.UserDetails.Email, valid.UserDetails.Type)
	}

	fmt.Printf("\nRequesting password reset:\n")
	res := ledgers.Resets.RequestReset(ctx, user.Email)
	fmt.Printf("  %s\n", res.Message)

	fmt.Printf("  Remaining: %s\n", ledgers.Resets.RemainingTime(ctx, user.Email, notifier.lastKey))

	res = ledgers.Resets.ResetPassword(ctx, user.Email, notifier.lastKey, "brandnew1")
	fmt.Printf("  %s\n", res.Message)

	if ledgers.Tokens.Validate(ctx, token.ID) == nil {
		fmt.Printf("\nAs expected, the old session was revoked by the reset\n")
	}

	res = ledgers.Resets.ResetPassword(ctx, user.Email, notifier.lastKey, "another1")
	if !res.Success {
		fmt.Printf("As expected, the reset key cannot be used twice: %s\n", res.Message)
	}
}
