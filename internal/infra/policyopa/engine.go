package policyopa

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"signtrust/internal/domain"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
)

const (
	Query           = "data.signtrust.evidence.result"
	DefaultBundleID = "signtrust_default"
)

//go:embed policy/*.rego
var defaultPolicy embed.FS

// Policies only need pure string, number and collection builtins; anything
// that reaches the network, the clock or randomness is rejected at load.
var allowedBuiltins = map[string]struct{}{
	"abs":        {},
	"and":        {},
	"concat":     {},
	"contains":   {},
	"count":      {},
	"endswith":   {},
	"eq":         {},
	"equal":      {},
	"gt":         {},
	"gte":        {},
	"lower":      {},
	"lt":         {},
	"lte":        {},
	"max":        {},
	"min":        {},
	"neq":        {},
	"object.get": {},
	"or":         {},
	"sort":       {},
	"sprintf":    {},
	"startswith": {},
	"sum":        {},
	"upper":      {},
}

// Engine evaluates the evidence acceptance policy over integrity reports.
type Engine struct {
	query      rego.PreparedEvalQuery
	bundleHash string
	bundleID   string
}

// NewDefaultEngine loads the embedded policy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	sub, err := fs.Sub(defaultPolicy, "policy")
	if err != nil {
		return nil, err
	}
	hash, err := bundleHashFS(sub)
	if err != nil {
		return nil, err
	}
	modules := make([]func(*rego.Rego), 0, 1)
	entries, err := fs.ReadDir(sub, ".")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		src, err := fs.ReadFile(sub, entry.Name())
		if err != nil {
			return nil, err
		}
		modules = append(modules, rego.Module(entry.Name(), string(src)))
	}
	return newEngine(ctx, DefaultBundleID, hash, modules...)
}

// NewEngineFromBundlePath loads every rego module and data file under dir.
func NewEngineFromBundlePath(ctx context.Context, dir, bundleID string) (*Engine, error) {
	hash, err := BundleHash(dir)
	if err != nil {
		return nil, fmt.Errorf("hash policy bundle: %w", err)
	}
	return newEngine(ctx, bundleID, hash, rego.Load([]string{dir}, nil))
}

func newEngine(ctx context.Context, bundleID, bundleHash string, opts ...func(*rego.Rego)) (*Engine, error) {
	capabilities := ast.CapabilitiesForThisVersion()
	capabilities.Builtins = filterBuiltins(capabilities.Builtins)
	compiler := ast.NewCompiler().WithCapabilities(capabilities)

	opts = append(opts,
		rego.Query(Query),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
	)
	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	if err := assertNoForbiddenBuiltins(compiler); err != nil {
		return nil, err
	}
	return &Engine{query: prepared, bundleHash: bundleHash, bundleID: bundleID}, nil
}

func (e *Engine) BundleHash() string {
	return e.bundleHash
}

func (e *Engine) Evaluate(ctx context.Context, input domain.PolicyInput) (domain.PolicyEvaluation, error) {
	if e == nil {
		return domain.PolicyEvaluation{}, errors.New("policy engine is nil")
	}
	// Round-trip through JSON so rego sees the report's wire field names.
	raw, err := json.Marshal(input)
	if err != nil {
		return domain.PolicyEvaluation{}, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.PolicyEvaluation{}, err
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return domain.PolicyEvaluation{}, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.PolicyEvaluation{}, errors.New("empty policy result")
	}
	result, err := decodePolicyResult(results[0].Expressions[0].Value)
	if err != nil {
		return domain.PolicyEvaluation{}, err
	}
	sort.Slice(result.Deny, func(i, j int) bool {
		if result.Deny[i].Code == result.Deny[j].Code {
			return result.Deny[i].Message < result.Deny[j].Message
		}
		return result.Deny[i].Code < result.Deny[j].Code
	})
	return domain.PolicyEvaluation{
		BundleID:   e.bundleID,
		BundleHash: e.bundleHash,
		Result:     result,
	}, nil
}

func decodePolicyResult(value any) (domain.PolicyResult, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return domain.PolicyResult{}, err
	}
	var result domain.PolicyResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return domain.PolicyResult{}, fmt.Errorf("decode policy result: %w", err)
	}
	return result, nil
}

func filterBuiltins(builtins []*ast.Builtin) []*ast.Builtin {
	allowed := make([]*ast.Builtin, 0, len(allowedBuiltins))
	for _, builtin := range builtins {
		if _, ok := allowedBuiltins[builtin.Name]; ok {
			allowed = append(allowed, builtin)
		}
	}
	return allowed
}

func assertNoForbiddenBuiltins(compiler *ast.Compiler) error {
	forbidden := make(map[string]struct{})
	for _, module := range compiler.Modules {
		ast.WalkTerms(module, func(term *ast.Term) bool {
			call, ok := term.Value.(ast.Call)
			if !ok || len(call) == 0 || call[0] == nil {
				return false
			}
			name := call[0].Value.String()
			if _, ok := ast.BuiltinMap[name]; !ok {
				return false
			}
			if _, ok := allowedBuiltins[name]; !ok {
				forbidden[name] = struct{}{}
			}
			return false
		})
	}
	if len(forbidden) == 0 {
		return nil
	}
	names := make([]string, 0, len(forbidden))
	for name := range forbidden {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("forbidden builtins: %s", strings.Join(names, ", "))
}
