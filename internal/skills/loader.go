package skills

import (
	"os"
	"path/filepath"

	. "github.com/llamar/toolserver/internal/logging"
)

// LoadWorkspaceSkills walks dir for "<name>/SKILL.md" files, parses and
// audits each, and registers every one that passes the audit clean into
// reg. Flagged skills are logged and left unregistered rather than
// silently disabled, since an invisible disabled entry is harder to
// notice than a missing tool.
func LoadWorkspaceSkills(reg *Registry, dir string, auditor *Auditor) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), "SKILL.md")
		if _, err := os.Stat(path); err != nil {
			continue
		}

		skill, err := ParseSkillFile(path, SourceWorkspace)
		if err != nil {
			L_warn("skills: failed to parse SKILL.md", "path", path, "error", err)
			continue
		}

		if auditor.AuditAndFlag(skill) {
			L_warn("skills: skill flagged by audit, not registered", "name", skill.Name, "path", path)
			continue
		}

		reg.Register(skill.AsTool())
		L_info("skills: loaded workspace skill", "name", skill.Name, "path", path)
	}
	return nil
}
