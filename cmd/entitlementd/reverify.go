package main

import (
	"encoding/json"
	"fmt"

	"github.com/ManuelReschke/EntitleFox/app/models"
	"github.com/ManuelReschke/EntitleFox/internal/pkg/billing"
	"github.com/spf13/cobra"
)

var reverifyFlags struct {
	provider        string
	purchaseRef     string
	subscriptionRef string
	userID          string
}

// reverifyCmd re-runs verification for one purchase, for example after a
// provider outage left a delivery unprocessed.
var reverifyCmd = &cobra.Command{
	Use:   "reverify",
	Short: "Re-verify a purchase against the provider and commit the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := reverifyRequest()
		if err != nil {
			return err
		}

		svc, err := bootstrap(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer svc.close()

		res, err := svc.engine.Verify(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("reverify %s: %w", req.PurchaseRef, err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	f := reverifyCmd.Flags()
	f.StringVar(&reverifyFlags.provider, "provider", "", "google_play, app_store or stripe")
	f.StringVar(&reverifyFlags.purchaseRef, "purchase-ref", "", "purchase token, transaction id or Stripe subscription id")
	f.StringVar(&reverifyFlags.subscriptionRef, "subscription-ref", "", "subscription product id (Google Play) or original transaction id")
	f.StringVar(&reverifyFlags.userID, "user-id", "", "user the purchase belongs to")
}

func reverifyRequest() (billing.VerifyRequest, error) {
	req := billing.VerifyRequest{
		Provider:        models.Provider(reverifyFlags.provider),
		PurchaseRef:     reverifyFlags.purchaseRef,
		SubscriptionRef: reverifyFlags.subscriptionRef,
		UserID:          reverifyFlags.userID,
	}
	if !req.Provider.Valid() {
		return req, fmt.Errorf("unknown provider %q", reverifyFlags.provider)
	}
	if req.PurchaseRef == "" || req.UserID == "" {
		return req, fmt.Errorf("--purchase-ref and --user-id are required")
	}
	return req, nil
}
