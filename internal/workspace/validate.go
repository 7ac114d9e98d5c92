package workspace

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/kingrea/cascade/internal/release"
)

// Check is one named validation step.
type Check struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Critical bool     `json:"critical"`
	Message  string   `json:"message"`
	Problems []string `json:"problems,omitempty"`
}

// ValidationReport aggregates workspace checks. Success is false when any
// critical check failed; warnings never block a release.
type ValidationReport struct {
	Success        bool     `json:"success"`
	CriticalErrors []string `json:"critical_errors,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	Checks         []Check  `json:"checks"`
}

// Add records a check outcome. problems empty means the check passed.
func (r *ValidationReport) Add(name string, critical bool, passedMsg string, problems []string) {
	check := Check{Name: name, Passed: len(problems) == 0, Critical: critical, Message: passedMsg, Problems: problems}
	if !check.Passed {
		check.Message = fmt.Sprintf("%d problem(s)", len(problems))
		if critical {
			r.CriticalErrors = append(r.CriticalErrors, problems...)
		} else {
			r.Warnings = append(r.Warnings, problems...)
		}
	}
	r.Checks = append(r.Checks, check)
	r.Success = len(r.CriticalErrors) == 0
}

// Err converts a failed report into a workspace validation error.
func (r ValidationReport) Err() error {
	if r.Success {
		return nil
	}
	return release.Newf(release.CategoryWorkspace, release.KindValidationFailed, "workspace validation failed: %s", strings.Join(r.CriticalErrors, "; "))
}

// Validate checks that the workspace can be released: manifests exist,
// versions parse, internal requirements match member versions, and
// publishable packages carry registry metadata.
func (a *CargoAnalyzer) Validate(ctx context.Context, info Info) (ValidationReport, error) {
	report := ValidationReport{Success: true, Checks: []Check{}}
	steps := []func(Info) (string, bool, string, []string){
		checkManifests,
		checkVersions,
		checkConsistentVersions,
		checkRequirements,
		checkPublishTargets,
		checkMetadata,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		name, critical, msg, problems := step(info)
		report.Add(name, critical, msg, problems)
	}
	return report, nil
}

func checkManifests(info Info) (string, bool, string, []string) {
	var problems []string
	for _, path := range info.ManifestPaths() {
		if _, err := os.Stat(path); err != nil {
			problems = append(problems, fmt.Sprintf("manifest %s is missing", path))
		}
	}
	return "manifests", true, fmt.Sprintf("%d manifest(s) present", len(info.ManifestPaths())), problems
}

func checkVersions(info Info) (string, bool, string, []string) {
	var problems []string
	for _, pkg := range info.Packages {
		if _, err := semver.StrictNewVersion(pkg.Version); err != nil {
			problems = append(problems, fmt.Sprintf("%s has invalid version %q", pkg.Name, pkg.Version))
		}
	}
	return "versions", true, "all versions are valid semver", problems
}

func checkConsistentVersions(info Info) (string, bool, string, []string) {
	versions := map[string][]string{}
	for _, pkg := range info.Publishable() {
		versions[pkg.Version] = append(versions[pkg.Version], pkg.Name)
	}
	if len(versions) <= 1 {
		return "version_consistency", false, "publishable packages share one version", nil
	}
	var problems []string
	for version, names := range versions {
		problems = append(problems, fmt.Sprintf("version %s used by %s", version, strings.Join(names, ", ")))
	}
	sort.Strings(problems)
	return "version_consistency", false, "", problems
}

func checkRequirements(info Info) (string, bool, string, []string) {
	var problems []string
	for _, pkg := range info.Packages {
		for _, dep := range pkg.Dependencies {
			target, ok := info.Package(dep)
			if !ok {
				continue
			}
			req := strings.TrimSpace(pkg.Requirements[dep])
			if req == "" {
				if pkg.Publish {
					problems = append(problems, fmt.Sprintf("%s depends on %s without a version requirement", pkg.Name, dep))
				}
				continue
			}
			if !satisfies(req, target.Version) {
				problems = append(problems, fmt.Sprintf("%s requires %s %s but workspace has %s", pkg.Name, dep, req, target.Version))
			}
		}
	}
	return "dependency_requirements", true, "internal requirements match member versions", problems
}

func checkPublishTargets(info Info) (string, bool, string, []string) {
	var problems []string
	for _, pkg := range info.Publishable() {
		for _, dep := range pkg.Dependencies {
			if target, ok := info.Package(dep); ok && !target.Publish {
				problems = append(problems, fmt.Sprintf("%s depends on unpublished package %s", pkg.Name, dep))
			}
		}
	}
	return "publish_targets", true, "publishable packages only depend on publishable members", problems
}

func checkMetadata(info Info) (string, bool, string, []string) {
	var problems []string
	for _, pkg := range info.Publishable() {
		if strings.TrimSpace(pkg.Description) == "" {
			problems = append(problems, fmt.Sprintf("%s has no description", pkg.Name))
		}
		if strings.TrimSpace(pkg.License) == "" {
			problems = append(problems, fmt.Sprintf("%s has no license", pkg.Name))
		}
	}
	return "metadata", false, "registry metadata present", problems
}

// satisfies evaluates a Cargo requirement. A bare version means caret.
func satisfies(req, version string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	if first := req[0]; first >= '0' && first <= '9' {
		req = "^" + req
	}
	constraint, err := semver.NewConstraint(req)
	if err != nil {
		return false
	}
	return constraint.Check(v)
}
