package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nibblerhq/nibbler/internal/contract"
)

// Fingerprint hashes everything a decision was based on: the gate's
// identity and content plus the existence and content of each resolved
// input. Identical fingerprints mean an earlier approval still applies.
func Fingerprint(repoRoot string, g *contract.Gate, inputs []ResolvedInput) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			io.WriteString(h, p) //nolint:errcheck
			io.WriteString(h, "\x00")
		}
	}

	write("gate", g.ID, g.Trigger, g.ApprovalScope)
	write("expectations", strings.Join(g.ApprovalExpectations, "\x1f"))
	write("business", strings.Join(g.BusinessOutcomes, "\x1f"))
	write("functional", strings.Join(g.FunctionalScope, "\x1f"))
	write("out_of_scope", strings.Join(g.OutOfScope, "\x1f"))

	for _, in := range inputs {
		write("input", in.Name, in.Path, fmt.Sprintf("%t", in.Exists))
		if in.Exists {
			write(fileHash(filepath.Join(repoRoot, filepath.FromSlash(in.Path))))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func fileHash(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "unreadable"
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "unreadable"
	}
	return hex.EncodeToString(h.Sum(nil))
}
