package version

import (
	"regexp"
	"strings"
)

var (
	headerRe      = regexp.MustCompile(`^\s*\[\[?\s*([^\]]+?)\s*\]\]?\s*(?:#.*)?$`)
	versionLineRe = regexp.MustCompile(`^(\s*version\s*=\s*)"([^"]*)"(.*)$`)
	depTableRe    = regexp.MustCompile(`(?:^|\.)(?:dev-|build-)?dependencies\.("?)([A-Za-z0-9_\-]+)("?)$`)
	depLineRe     = regexp.MustCompile(`^(\s*)("?)([A-Za-z0-9_\-]+)("?)(\s*=\s*)(.*)$`)
	inlineVerRe   = regexp.MustCompile(`(\bversion\s*=\s*)"([^"]*)"`)
	inlinePkgRe   = regexp.MustCompile(`\bpackage\s*=\s*"([^"]+)"`)
)

type section int

const (
	sectionOther section = iota
	sectionPackage
	sectionDependencies
	sectionMemberTable
)

// Rewrite sets the package version and every internal dependency requirement
// in a Cargo manifest to target. Comments and formatting are preserved.
// members holds the names of workspace packages.
func Rewrite(content, target string, members map[string]bool) (string, bool) {
	lines := strings.Split(content, "\n")
	current := sectionOther
	changed := false
	for i, line := range lines {
		if m := headerRe.FindStringSubmatch(line); m != nil {
			current = sectionOther
			if !strings.HasPrefix(strings.TrimSpace(line), "[[") {
				current = classify(m[1], members)
			}
			continue
		}
		var updated string
		switch current {
		case sectionPackage:
			updated = rewriteVersionLine(line, func(string) string { return target })
		case sectionMemberTable:
			updated = rewriteVersionLine(line, func(req string) string { return requirement(req, target) })
		case sectionDependencies:
			updated = rewriteDependency(line, target, members)
		default:
			continue
		}
		if updated != line {
			lines[i] = updated
			changed = true
		}
	}
	return strings.Join(lines, "\n"), changed
}

func classify(header string, members map[string]bool) section {
	switch {
	case header == "package" || header == "workspace.package":
		return sectionPackage
	case strings.HasSuffix(header, "dependencies"):
		return sectionDependencies
	}
	if m := depTableRe.FindStringSubmatch(header); m != nil && members[m[2]] {
		return sectionMemberTable
	}
	return sectionOther
}

func rewriteVersionLine(line string, next func(string) string) string {
	m := versionLineRe.FindStringSubmatch(line)
	if m == nil {
		return line
	}
	return m[1] + `"` + next(m[2]) + `"` + m[3]
}

func rewriteDependency(line, target string, members map[string]bool) string {
	m := depLineRe.FindStringSubmatch(line)
	if m == nil {
		return line
	}
	name, value := m[3], m[6]
	trimmed := strings.TrimSpace(value)
	switch {
	case strings.HasPrefix(trimmed, "{"):
		if pkg := inlinePkgRe.FindStringSubmatch(trimmed); pkg != nil {
			name = pkg[1]
		}
		if !members[name] {
			return line
		}
		value = inlineVerRe.ReplaceAllStringFunc(value, func(match string) string {
			parts := inlineVerRe.FindStringSubmatch(match)
			return parts[1] + `"` + requirement(parts[2], target) + `"`
		})
	case strings.HasPrefix(trimmed, `"`):
		if !members[name] {
			return line
		}
		end := strings.Index(trimmed[1:], `"`)
		if end < 0 {
			return line
		}
		req := trimmed[1 : end+1]
		value = strings.Replace(value, `"`+req+`"`, `"`+requirement(req, target)+`"`, 1)
	default:
		return line
	}
	return m[1] + m[2] + m[3] + m[4] + m[5] + value
}

// requirement keeps the comparison operator of req and swaps in target.
// Compound ranges and wildcards are left untouched.
func requirement(req, target string) string {
	if strings.ContainsAny(req, ",*xX<") {
		return req
	}
	idx := strings.IndexFunc(req, func(r rune) bool { return r >= '0' && r <= '9' })
	if idx < 0 {
		return req
	}
	return req[:idx] + target
}
