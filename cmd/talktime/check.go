package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/movin10/talktime/internal/config"
	"github.com/movin10/talktime/internal/identity"
	"github.com/movin10/talktime/internal/quota"
	"github.com/movin10/talktime/internal/storage"
	"github.com/movin10/talktime/internal/storage/bolt"
	"github.com/movin10/talktime/internal/storage/redis"
	"github.com/movin10/talktime/internal/token"
	"github.com/spf13/cobra"
)

var (
	checkGuestID string
	checkUserID  string
	checkRoom    string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check quota decisions and token issuance interactively",
	Long:  `Check what decision talktime would make for a start request, or mint a room token for debugging.`,
}

var checkQuotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Check the quota decision for an identity",
	Long:  `Check whether a start request for the given identity would be allowed, and how many free minutes remain today.`,
	Example: `  talktime -c config.yaml check quota --guest-id 2f6b...
  talktime check quota --user-id alice`,
	RunE: runCheckQuota,
}

var checkTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a room token for debugging",
	Example: `  talktime check token --user-id alice --room practice-debug`,
	RunE:    runCheckToken,
}

func init() {
	checkQuotaCmd.Flags().StringVar(&checkGuestID, "guest-id", "", "Guest device ID")
	checkQuotaCmd.Flags().StringVar(&checkUserID, "user-id", "", "Authenticated user ID")

	checkTokenCmd.Flags().StringVar(&checkGuestID, "guest-id", "", "Guest device ID")
	checkTokenCmd.Flags().StringVar(&checkUserID, "user-id", "", "Authenticated user ID")
	checkTokenCmd.Flags().StringVar(&checkRoom, "room", "practice-debug", "Room name")

	checkCmd.AddCommand(checkQuotaCmd)
	checkCmd.AddCommand(checkTokenCmd)
	rootCmd.AddCommand(checkCmd)
}

func checkIdentity() (identity.Identity, error) {
	switch {
	case checkGuestID != "" && checkUserID != "":
		return identity.Identity{}, fmt.Errorf("--guest-id and --user-id are mutually exclusive")
	case checkGuestID != "":
		return identity.Guest(checkGuestID), nil
	case checkUserID != "":
		return identity.Authenticated(checkUserID), nil
	default:
		return identity.Identity{}, fmt.Errorf("one of --guest-id or --user-id is required")
	}
}

func runCheckQuota(cmd *cobra.Command, args []string) error {
	id, err := checkIdentity()
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, closeStore, err := openCheckStore(cfg, id)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	policy := quota.NewPolicy(cfg.Quota.DailyFreeMinutes)
	today := time.Now().Format(storage.DateLayout)

	record, err := store.GetRecord(ctx, id.Key())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		record = &storage.UsageRecord{Date: today}
	case err != nil:
		return fmt.Errorf("read usage record: %w", err)
	case record.Date != today:
		// Stale record; a real start would roll it over.
		record = &storage.UsageRecord{Date: today, Visits: record.Visits}
	}

	fmt.Printf("Identity:   %s\n", id.Key())
	fmt.Printf("Date:       %s\n", today)
	fmt.Printf("Used:       %d min\n", record.MinutesUsed)
	fmt.Printf("Remaining:  %d min\n", policy.Remaining(record.MinutesUsed))
	fmt.Printf("Decision:   ")

	if policy.Exceeded(record.MinutesUsed * 60) {
		if id.IsGuest() {
			color.Red("REFUSE (require authentication)")
		} else {
			color.Red("REFUSE (require upgrade)")
		}
	} else {
		color.Green("ALLOW")
	}

	return nil
}

func runCheckToken(cmd *cobra.Command, args []string) error {
	id, err := checkIdentity()
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	issuer, err := token.NewJWTIssuer(cfg.Token.APIKey, cfg.Token.APISecret, parseDuration(cfg.Token.TTL, token.DefaultTTL))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	signed, err := issuer.IssueToken(ctx, checkRoom, id.ParticipantName())
	if err != nil {
		color.Red("token issuance failed: %v", err)
		return err
	}

	fmt.Printf("Room:        %s\n", checkRoom)
	fmt.Printf("Participant: %s\n", id.ParticipantName())
	color.Green("Token:       %s", signed)

	return nil
}

// openCheckStore opens the store that backs the given identity, the same
// selection a live start request would make.
func openCheckStore(cfg *config.Config, id identity.Identity) (storage.UsageStore, func(), error) {
	if id.IsGuest() {
		local, err := bolt.Open(cfg.Storage.LocalPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open local store: %w", err)
		}
		return local.Usage(), func() { _ = local.Close() }, nil
	}

	remote, err := redis.Open(cfg.Storage.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("open remote store: %w", err)
	}
	return remote.Usage(), func() { _ = remote.Close() }, nil
}
