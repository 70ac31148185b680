package domain

import "context"

type PolicyInput struct {
	Report IntegrityReport `json:"report"`
}

type PolicyDeny struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type PolicyResult struct {
	Allow bool         `json:"allow"`
	Deny  []PolicyDeny `json:"deny,omitempty"`
}

type PolicyEvaluation struct {
	BundleID   string       `json:"bundle_id,omitempty"`
	BundleHash string       `json:"bundle_hash"`
	Result     PolicyResult `json:"result"`
}

type PolicyEngine interface {
	Evaluate(ctx context.Context, input PolicyInput) (PolicyEvaluation, error)
}
