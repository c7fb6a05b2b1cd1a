package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/KayMas2808/RuralLend/internal/app"
	"github.com/KayMas2808/RuralLend/internal/domain"
	"github.com/KayMas2808/RuralLend/internal/engine"
	"github.com/KayMas2808/RuralLend/internal/services"
)

func flowCmd() *cobra.Command {
	f := &cobra.Command{
		Use:   "flow",
		Short: "Drive the application flow",
		Long:  "The flow is one application at a time. Every command restores it from the workspace, applies events and waits for running service calls before exiting.",
	}
	f.AddCommand(flowShowCmd())
	f.AddCommand(flowSendCmd())
	f.AddCommand(flowDemoCmd())
	return f
}

func flowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current flow state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return printSnapshot(rt.Engine.Snapshot())
			})
		},
	}
}

type sendFlags struct {
	language string
	amount   int64
	tenure   int
	purpose  string
	mobile   string
	kind     string
	consent  bool
	method   string
	upiID    string
	account  string
	ifsc     string
	holder   string
	online   bool
	trusted  bool
	wait     time.Duration
}

func flowSendCmd() *cobra.Command {
	var f sendFlags
	names := make([]string, 0, len(engine.UserEvents))
	for _, t := range engine.UserEvents {
		names = append(names, string(t))
	}
	cmd := &cobra.Command{
		Use:       "send <event>",
		Short:     "Send one user event",
		Long:      "Events: " + strings.Join(names, ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := engine.Event{Type: engine.EventType(args[0])}
			if !slices.Contains(engine.UserEvents, ev.Type) {
				return fmt.Errorf("unknown event %q", args[0])
			}
			flags := cmd.Flags()
			ev.Language = domain.Language(f.language)
			ev.Kind = domain.ArtifactKind(f.kind)
			if ev.Type == engine.EventSubmitManual {
				ev.Request = &domain.LoanRequest{AmountRequested: f.amount, TenureMonths: f.tenure, Purpose: f.purpose, MobileNumber: f.mobile}
			}
			if flags.Changed("consent") {
				ev.Consent = &f.consent
			}
			if f.method != "" {
				ev.Disbursal = &domain.Disbursal{Method: domain.DisbursalMethod(f.method)}
				switch ev.Disbursal.Method {
				case domain.DisbursalUPI:
					ev.Disbursal.UPI = &domain.UPIDetails{ID: f.upiID}
				case domain.DisbursalBank:
					ev.Disbursal.Bank = &domain.BankDetails{AccountNumber: f.account, IFSC: f.ifsc, HolderName: f.holder}
				}
			}
			if ev.Type == engine.EventConnectivity {
				ev.Connectivity = &services.Connectivity{Online: f.online, Trusted: f.trusted}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if _, err := rt.Engine.Dispatch(ctx, ev); err != nil {
					return err
				}
				snap, err := settle(ctx, rt, f.wait)
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.language, "language", "", "language for select_language and change_language")
	flags.Int64Var(&f.amount, "amount", 0, "amount in rupees (submit_manual)")
	flags.IntVar(&f.tenure, "tenure", 0, "tenure in months (submit_manual)")
	flags.StringVar(&f.purpose, "purpose", "", "loan purpose (submit_manual)")
	flags.StringVar(&f.mobile, "mobile", "", "10 digit mobile number (submit_manual)")
	flags.StringVar(&f.kind, "kind", "", "artifact kind for capture_document: id or selfie")
	flags.BoolVar(&f.consent, "consent", false, "consent value for set_consent")
	flags.StringVar(&f.method, "method", "", "disbursal method for choose_disbursal: upi, bank or cash")
	flags.StringVar(&f.upiID, "upi-id", "", "UPI id")
	flags.StringVar(&f.account, "account", "", "bank account number")
	flags.StringVar(&f.ifsc, "ifsc", "", "bank IFSC")
	flags.StringVar(&f.holder, "holder", "", "bank account holder name")
	flags.BoolVar(&f.online, "online", true, "connectivity: online")
	flags.BoolVar(&f.trusted, "trusted", true, "connectivity: trusted network")
	flags.DurationVar(&f.wait, "wait", 2*time.Minute, "how long to wait for a started service call")
	return cmd
}

// settle waits for the running service call, if any, so its result is
// persisted before the process exits.
func settle(ctx context.Context, rt *app.Runtime, wait time.Duration) (engine.Snapshot, error) {
	err := waitUntil(ctx, wait, func() bool { return rt.Engine.Snapshot().Pending == nil })
	if err != nil {
		return engine.Snapshot{}, fmt.Errorf("service call still running: %w", err)
	}
	return rt.Engine.Snapshot(), nil
}

func flowDemoCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a full simulated application end to end",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				steps, err := demoSteps(rt.Engine.Snapshot().State)
				if err != nil {
					return err
				}
				for _, ev := range steps {
					if _, err := rt.Engine.Dispatch(ctx, ev); err != nil {
						return fmt.Errorf("%s: %w", ev.Type, err)
					}
					snap, err := settle(ctx, rt, wait)
					if err != nil {
						return err
					}
					if snap.LastError != nil {
						return fmt.Errorf("%s: %s", ev.Type, snap.LastError.Message)
					}
					if !viper.GetBool("json") {
						fmt.Printf("%-20s -> %s\n", ev.Type, snap.State)
					}
				}
				snap := rt.Engine.Snapshot()
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Println("loan created:", snap.LoanID)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "how long to wait for each service call")
	return cmd
}

// demoSteps is a voice application from the given state to a disbursed loan.
func demoSteps(from domain.State) ([]engine.Event, error) {
	consent := true
	var steps []engine.Event
	switch from {
	case domain.StateLanguage:
		steps = append(steps, engine.Event{Type: engine.EventGetStarted})
	case domain.StateAccount:
		steps = append(steps, engine.Event{Type: engine.EventGoHome})
	case domain.StateHome:
	default:
		return nil, fmt.Errorf("an application is in progress in state %s; finish it or send abandon first", from)
	}
	steps = append(steps, engine.Event{Type: engine.EventStartVoice})
	for range domain.PromptCount {
		steps = append(steps, engine.Event{Type: engine.EventRecognizeNext})
	}
	return append(steps,
		engine.Event{Type: engine.EventSubmitVoice},
		engine.Event{Type: engine.EventCaptureDocument, Kind: domain.ArtifactID},
		engine.Event{Type: engine.EventCaptureDocument, Kind: domain.ArtifactSelfie},
		engine.Event{Type: engine.EventConfirmKYC},
		engine.Event{Type: engine.EventSetConsent, Consent: &consent},
		engine.Event{Type: engine.EventStartUnderwriting},
		engine.Event{Type: engine.EventAcceptOffer},
		engine.Event{Type: engine.EventChooseDisbursal, Disbursal: &domain.Disbursal{Method: domain.DisbursalUPI, UPI: &domain.UPIDetails{ID: "ravi@okaxis"}}},
		engine.Event{Type: engine.EventVerifyDisbursal},
		engine.Event{Type: engine.EventCompleteDisbursal},
	), nil
}

func printSnapshot(snap engine.Snapshot) error {
	if viper.GetBool("json") {
		return printJSON(snap)
	}
	fmt.Println("state:   ", snap.State)
	fmt.Println("language:", snap.Language)
	if snap.Record != nil {
		fmt.Println("record:  ", snap.Record.ID)
		if r := snap.Record.Request; r != nil {
			fmt.Printf("request:  %d for %d months (%s), mobile %s\n", r.AmountRequested, r.TenureMonths, r.Purpose, r.MobileNumber)
		}
		if o := snap.Record.Offer; o != nil {
			fmt.Printf("offer:    %s, EMI %s at %s%%\n", o.Status, o.EMI.StringFixed(0), o.InterestRatePct.String())
		}
	}
	for _, s := range snap.Stages {
		fmt.Printf("stage:    %s %s\n", s.Name, s.Status)
	}
	for _, s := range snap.Stalls {
		fmt.Printf("stalled:  %s after %d attempts: %s\n", s.ArtifactID, s.Attempts, s.LastError)
	}
	if snap.LastError != nil {
		fmt.Printf("error:    [%s] %s\n", snap.LastError.Code, snap.LastError.Message)
	}
	if snap.LoanID != "" {
		fmt.Println("loan:    ", snap.LoanID)
	}
	return nil
}
