package executor

import (
	"path"
	"strings"

	"go.uber.org/zap"

	"vigil/internal/action"
	"vigil/internal/paths"
)

const (
	disclosureMeta   = `<meta name="generator" content="autonomous agent">`
	disclosureFooter = `<footer class="agent-disclosure">This page was created and is maintained by an autonomous software agent.</footer>`
)

// runServe publishes content under the public zone. Paths outside the
// zone are coerced into it rather than rejected, and markup pages get
// an authorship disclosure injected exactly once.
func (e *Executor) runServe(v action.Serve) Result {
	logical, err := coercePublic(v.Path)
	if err != nil {
		return Result{Kind: action.KindServe, Target: v.Path, Error: err.Error()}
	}
	if logical != v.Path {
		e.log.Info("serve path coerced into public zone",
			zap.String("requested", v.Path), zap.String("served", logical))
	}

	content := v.Content
	if isMarkup(logical) {
		content = InjectDisclosure(content)
	}

	res := Result{Kind: action.KindServe, Target: logical}
	if err := e.writeFile(logical, content, action.ModeOverwrite); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Output = "published " + logical
	return res
}

// coercePublic maps any requested path to a location under the public
// zone, preserving the relative structure of the request.
func coercePublic(logical string) (string, error) {
	norm, err := paths.Normalize(logical)
	if err != nil {
		return "", err
	}
	if norm == paths.ZonePublic || strings.HasPrefix(norm, paths.ZonePublic+"/") {
		return norm, nil
	}
	return path.Join(paths.ZonePublic, norm), nil
}

func isMarkup(logical string) bool {
	switch strings.ToLower(path.Ext(logical)) {
	case ".html", ".htm":
		return true
	}
	return false
}

// InjectDisclosure adds the authorship meta tag and visible footer to
// an HTML document. Calling it on already-disclosed content is a
// no-op, so republishing the same page never stacks duplicates.
func InjectDisclosure(content string) string {
	if !strings.Contains(content, disclosureMeta) {
		if idx := indexFold(content, "<head>"); idx >= 0 {
			at := idx + len("<head>")
			content = content[:at] + "\n" + disclosureMeta + content[at:]
		} else {
			content = disclosureMeta + "\n" + content
		}
	}
	if !strings.Contains(content, disclosureFooter) {
		if idx := indexFold(content, "</body>"); idx >= 0 {
			content = content[:idx] + disclosureFooter + "\n" + content[idx:]
		} else {
			content = content + "\n" + disclosureFooter + "\n"
		}
	}
	return content
}

func indexFold(s, sub string) int {
	return strings.Index(strings.ToLower(s), strings.ToLower(sub))
}
