package crostestutils

import (
	"path/filepath"
)

// PayloadPlan selects which payloads a run needs before any scenario
// starts.
type PayloadPlan struct {
	TargetImage string
	BaseImage   string
	SigningKey  string
	// NPlusOneImage, when set, adds a full payload for the next build so
	// forward-compatibility runs share the cache.
	NPlusOneImage string
	// ForVM adds the VM variant of every payload in addition to the device
	// one.
	ForVM bool
	// QuickTest trims the plan to the single full target payload.
	QuickTest bool
	// DeltaUpdates adds the delta payloads between base and target.
	DeltaUpdates bool
}

// Requirements expands the plan into the exact identifier set to
// pregenerate. The full suite needs the target full payload, the
// base<->target deltas, the target->target delta (update-to-self test) and
// the signed target when a key is configured.
func (p PayloadPlan) Requirements() []UpdateID {
	var ids []UpdateID
	add := func(id UpdateID) {
		ids = append(ids, id)
		if p.ForVM {
			id.ForVM = true
			ids = append(ids, id)
		}
	}

	add(UpdateID{Target: p.TargetImage})
	if p.QuickTest {
		return ids
	}
	if p.DeltaUpdates && p.BaseImage != "" {
		add(UpdateID{Target: p.TargetImage, Base: p.BaseImage})
		add(UpdateID{Target: p.BaseImage, Base: p.TargetImage})
		add(UpdateID{Target: p.TargetImage, Base: p.TargetImage})
	}
	if p.BaseImage != "" {
		add(UpdateID{Target: p.BaseImage})
	}
	if p.SigningKey != "" {
		add(UpdateID{Target: p.TargetImage, SigningKey: p.SigningKey})
	}
	if p.NPlusOneImage != "" {
		add(UpdateID{Target: p.NPlusOneImage})
	}
	return ids
}

// ToolPayloadGenerator drives the external payload generation tool. The
// tool prints a PREGENERATED_UPDATE=<path> line on success; the path is
// rewritten into devserver layout by the parser.
type ToolPayloadGenerator struct {
	Tool      string
	StaticDir string
}

// GenerateArgs builds the argv that pregenerates the payload for id.
func (g ToolPayloadGenerator) GenerateArgs(id UpdateID) []string {
	tool := g.Tool
	if tool == "" {
		tool = "cros_generate_update_payload"
	}
	argv := []string{
		tool,
		"--image=" + id.Target,
		"--output=" + filepath.Join(g.StaticDir, "au"),
	}
	if id.Base != "" {
		argv = append(argv, "--src_image="+id.Base)
	}
	if id.SigningKey != "" {
		argv = append(argv, "--private_key="+id.SigningKey)
	}
	if id.ForVM {
		argv = append(argv, "--for_vm")
	}
	return argv
}
