package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/icgl/pkg/contracts"
)

// proposalSchemaURL names the built-in structural schema resource.
const proposalSchemaURL = "https://icgl.schemas.local/proposal.schema.json"

// ProposalSchema is the structural contract every proposal must satisfy.
const ProposalSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "title", "decision", "status"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "title": {"type": "string", "pattern": "\\S"},
    "context": {"type": "string"},
    "decision": {"type": "string", "pattern": "\\S"},
    "status": {"enum": ["DRAFT", "UNDER_REVIEW", "CONDITIONAL", "ACCEPTED", "REJECTED"]},
    "consequences": {"type": ["array", "null"], "items": {"type": "string"}},
    "policy_codes": {
      "type": ["array", "null"],
      "items": {"type": "string", "pattern": "^P-[A-Z]+-[0-9]{2,}$"}
    }
  }
}`

func compileSchema(url, source string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("policy schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("policy schema compile failed: %w", err)
	}
	return compiled, nil
}

// validateStructure returns one violation per leaf schema failure.
func validateStructure(schema *jsonschema.Schema, p *contracts.Proposal) []contracts.Violation {
	raw, err := json.Marshal(p)
	if err != nil {
		return []contracts.Violation{{Code: contracts.CodePolicyViolation, Message: fmt.Sprintf("proposal not serialisable: %v", err)}}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []contracts.Violation{{Code: contracts.CodePolicyViolation, Message: fmt.Sprintf("proposal not decodable: %v", err)}}
	}

	err = schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []contracts.Violation{{Code: contracts.CodePolicyViolation, Message: err.Error()}}
	}
	var out []contracts.Violation
	collectLeaves(ve, &out)
	return out
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]contracts.Violation) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, contracts.Violation{
			Code:    contracts.CodePolicyViolation,
			Message: fmt.Sprintf("structure %s: %s", loc, ve.Message),
		})
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}
