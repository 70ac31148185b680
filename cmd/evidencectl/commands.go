package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"signtrust/internal/domain"
	"signtrust/internal/infra/fieldcipher"
	"signtrust/internal/infra/policyopa"
	"signtrust/internal/usecase"

	"github.com/urfave/cli/v2"
)

// errCheckFailed is returned after the result has been printed, so main only
// sets the exit status.
var errCheckFailed = errors.New("check failed")

var flagResourceID = &cli.StringFlag{
	Name:  "resource-id",
	Usage: "Resource the trail belongs to (defaults to the id recorded in an export)",
}

var flagTenantID = &cli.StringFlag{
	Name:  "tenant-id",
	Usage: "Tenant whose key decrypts the evidence fields",
}

var flagServerSecret = &cli.StringFlag{
	Name:    "server-secret",
	Usage:   "Secret tenant keys are derived from; omit for plaintext evidence",
	EnvVars: []string{"SERVER_SECRET"},
}

var flagEncryptedFields = &cli.StringSliceFlag{
	Name:  "encrypted-field",
	Value: cli.NewStringSlice(usecase.DefaultEncryptedFields...),
	Usage: "Evidence fields stored encrypted",
}

var flagPolicyBundle = &cli.StringFlag{
	Name:  "policy-bundle",
	Usage: "Directory of a rego bundle to evaluate instead of the built-in policy",
}

var flagWeightHash = &cli.IntFlag{Name: "weight-hash", Value: 40}
var flagWeightSeal = &cli.IntFlag{Name: "weight-seal", Value: 30}
var flagWeightSnapshot = &cli.IntFlag{Name: "weight-snapshot", Value: 30}
var flagHighThreshold = &cli.IntFlag{Name: "high-threshold", Value: 80}
var flagMediumThreshold = &cli.IntFlag{Name: "medium-threshold", Value: 50}

func newApp() *cli.App {
	return &cli.App{
		Name:  "evidencectl",
		Usage: "offline checks for signature evidence and exported audit trails",
		Commands: []*cli.Command{
			{
				Name:      "verify-trail",
				Usage:     "verify an exported or legacy audit trail",
				ArgsUsage: "<trail.json>",
				Flags:     []cli.Flag{flagResourceID},
				Action:    runVerifyTrail,
			},
			{
				Name:      "report",
				Usage:     "compile the integrity report for a stored evidence document",
				ArgsUsage: "<evidence.json>",
				Flags: []cli.Flag{
					flagTenantID,
					flagServerSecret,
					flagEncryptedFields,
					flagPolicyBundle,
					flagWeightHash,
					flagWeightSeal,
					flagWeightSnapshot,
					flagHighThreshold,
					flagMediumThreshold,
				},
				Action: runReport,
			},
			{
				Name:      "hash",
				Usage:     "print the document hash of a snapshot",
				ArgsUsage: "<snapshot.json>",
				Action:    runHash,
			},
		},
	}
}

func runVerifyTrail(cCtx *cli.Context) error {
	raw, err := readArg(cCtx, "verify-trail requires <trail.json>")
	if err != nil {
		return err
	}
	result := verifyTrail(raw, cCtx.String(flagResourceID.Name))
	if err := writeJSON(cCtx.App.Writer, result); err != nil {
		return err
	}
	if !result.IsValid {
		return errCheckFailed
	}
	return nil
}

// verifyTrail normalizes any known trail shape and verifies it. An export
// is bound to the resource id it records unless one is given.
func verifyTrail(raw []byte, resourceID string) domain.AuditIntegrity {
	stored := usecase.DetectTrailShape(raw)
	if resourceID == "" && stored.Export != nil {
		resourceID = stored.Export.ResourceID
	}
	return stored.Verify(resourceID)
}

func runReport(cCtx *cli.Context) error {
	raw, err := readArg(cCtx, "report requires <evidence.json>")
	if err != nil {
		return err
	}
	scoring := domain.ScoringPolicy{
		Weights: domain.ScoreWeights{
			Hash:     cCtx.Int(flagWeightHash.Name),
			Seal:     cCtx.Int(flagWeightSeal.Name),
			Snapshot: cCtx.Int(flagWeightSnapshot.Name),
		},
		Thresholds: domain.LevelThresholds{
			High:   cCtx.Int(flagHighThreshold.Name),
			Medium: cCtx.Int(flagMediumThreshold.Name),
		},
	}
	opts := reportOptions{
		TenantID:        cCtx.String(flagTenantID.Name),
		ServerSecret:    cCtx.String(flagServerSecret.Name),
		EncryptedFields: cCtx.StringSlice(flagEncryptedFields.Name),
		Scoring:         scoring,
	}
	engine, err := loadPolicy(cCtx.Context, cCtx.String(flagPolicyBundle.Name))
	if err != nil {
		return err
	}
	opts.Policy = engine

	report, err := compileReport(cCtx.Context, raw, opts)
	if err != nil {
		return err
	}
	if err := writeJSON(cCtx.App.Writer, report); err != nil {
		return err
	}
	if report.Policy != nil && !report.Policy.Result.Allow {
		return errCheckFailed
	}
	return nil
}

type reportOptions struct {
	TenantID        string
	ServerSecret    string
	EncryptedFields []string
	Scoring         domain.ScoringPolicy
	Policy          domain.PolicyEngine
}

// compileReport scores an evidence document read from disk. The embedded
// audit trail is the only chain available offline.
func compileReport(ctx context.Context, raw []byte, opts reportOptions) (domain.IntegrityReport, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.IntegrityReport{}, fmt.Errorf("decode evidence: %w", err)
	}
	var failures []*domain.FieldError
	if opts.ServerSecret != "" {
		keys, err := fieldcipher.NewTenantKeyStore(opts.ServerSecret)
		if err != nil {
			return domain.IntegrityReport{}, err
		}
		cipher, err := fieldcipher.New(keys, nil)
		if err != nil {
			return domain.IntegrityReport{}, err
		}
		tenantID := opts.TenantID
		if tenantID == "" {
			tenantID, _ = doc["tenantId"].(string)
		}
		doc, failures = cipher.DecryptFields(doc, tenantID, opts.EncryptedFields)
	}
	evidence, unreadable, snapshotStored, err := usecase.DecodeEvidence(doc, failures)
	if err != nil {
		return domain.IntegrityReport{}, fmt.Errorf("decode evidence: %w", err)
	}
	report := usecase.CompileReport(usecase.BuildReportInput(evidence, snapshotStored, unreadable), opts.Scoring)
	if opts.Policy != nil {
		eval, err := opts.Policy.Evaluate(ctx, domain.PolicyInput{Report: report})
		if err != nil {
			return domain.IntegrityReport{}, fmt.Errorf("evaluate policy: %w", err)
		}
		report.Policy = &eval
	}
	return report, nil
}

func loadPolicy(ctx context.Context, dir string) (*policyopa.Engine, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if dir == "" {
		return policyopa.NewDefaultEngine(ctx)
	}
	engine, err := policyopa.NewEngineFromBundlePath(ctx, dir, "cli")
	if err != nil {
		return nil, fmt.Errorf("load policy bundle: %w", err)
	}
	return engine, nil
}

func runHash(cCtx *cli.Context) error {
	raw, err := readArg(cCtx, "hash requires <snapshot.json>")
	if err != nil {
		return err
	}
	var snapshot domain.DocumentSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	hash, err := usecase.DocumentHash(snapshot)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cCtx.App.Writer, hash)
	return err
}

func readArg(cCtx *cli.Context, usage string) ([]byte, error) {
	if cCtx.NArg() != 1 {
		return nil, errors.New(usage)
	}
	raw, err := os.ReadFile(cCtx.Args().First())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", cCtx.Args().First(), err)
	}
	return raw, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
