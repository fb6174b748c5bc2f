package security

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/stackbound/modhub/pkg/archive"
)

const maxScannedFileSize = 100 * 1024 * 1024 // 100MB

// restrictedImports are Python modules a sandboxed business module must
// not import directly.
var restrictedImports = map[string]bool{
	"socket":          true,
	"subprocess":      true,
	"threading":       true,
	"multiprocessing": true,
	"ctypes":          true,
	"os":              true,
	"sys":             true,
	"importlib":       true,
	"builtins":        true,
	"pickle":          true,
	"marshal":         true,
}

// dangerousCalls reject a package outright when called directly.
var dangerousCalls = []string{"eval", "exec", "compile", "open", "__import__"}

// dangerousAttributes flag suspicious attribute access.
var dangerousAttributes = []string{"__globals__", "__builtins__", "__subclasses__", "__bases__"}

var executableExtensions = map[string]bool{
	".exe":   true,
	".dll":   true,
	".so":    true,
	".dylib": true,
}

var (
	importRegex  = regexp.MustCompile(`^\s*(?:import\s+([a-zA-Z_][a-zA-Z0-9_.]*)|from\s+([a-zA-Z_][a-zA-Z0-9_.]*)\s+import\b)`)
	commentRegex = regexp.MustCompile(`^\s*#`)
	callRegexes  = buildCallRegexes()
	attrRegexes  = buildAttrRegexes()
)

func buildCallRegexes() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(dangerousCalls))
	for _, name := range dangerousCalls {
		out[name] = regexp.MustCompile(`(?:^|[^\w.])` + regexp.QuoteMeta(name) + `\s*\(`)
	}
	return out
}

func buildAttrRegexes() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(dangerousAttributes))
	for _, name := range dangerousAttributes {
		out[name] = regexp.MustCompile(`\.` + regexp.QuoteMeta(name) + `\b`)
	}
	return out
}

// Scanner performs static analysis of unpacked module packages.
type Scanner struct {
	log *logrus.Logger
}

// NewScanner creates a package scanner.
func NewScanner(log *logrus.Logger) *Scanner {
	if log == nil {
		log = logrus.New()
	}
	return &Scanner{log: log}
}

// ScanPackage extracts the package to a temp directory and scans its
// contents. The extraction directory is removed on return, success or
// failure.
func (s *Scanner) ScanPackage(ctx context.Context, pkg []byte) ([]Finding, error) {
	tmpDir, err := os.MkdirTemp("", "modhub-scan-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scan directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := archive.Extract(pkg, tmpDir); err != nil {
		return nil, fmt.Errorf("failed to unpack package: %w", err)
	}

	return s.ScanDirectory(ctx, tmpDir)
}

// ScanDirectory scans an already-extracted package tree.
func (s *Scanner) ScanDirectory(ctx context.Context, root string) ([]Finding, error) {
	var findings []Finding

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, _ := filepath.Rel(root, path)

		if executableExtensions[strings.ToLower(filepath.Ext(path))] {
			findings = append(findings, Finding{
				Severity:       SeverityHigh,
				Category:       "executable-file",
				Description:    fmt.Sprintf("package contains executable binary %s", relPath),
				File:           relPath,
				Recommendation: "Remove compiled binaries from the package. Modules must ship source only.",
			})
			return nil
		}

		if info.Size() > maxScannedFileSize {
			findings = append(findings, Finding{
				Severity:    SeverityMedium,
				Category:    "oversized-file",
				Description: fmt.Sprintf("file %s exceeds 100MB (%d bytes)", relPath, info.Size()),
				File:        relPath,
			})
			return nil
		}

		if filepath.Ext(path) != ".py" {
			return nil
		}

		fileFindings, err := s.scanPythonFile(path, relPath)
		if err != nil {
			s.log.Warnf("Failed to scan %s: %v", relPath, err)
			return nil
		}
		findings = append(findings, fileFindings...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk package tree: %w", err)
	}

	return findings, nil
}

// scanPythonFile scans a single source file line by line for restricted
// imports, dangerous calls and dangerous attribute access.
func (s *Scanner) scanPythonFile(path, relPath string) ([]Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var findings []Finding
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if commentRegex.MatchString(line) {
			continue
		}

		if match := importRegex.FindStringSubmatch(line); match != nil {
			imported := match[1]
			if imported == "" {
				imported = match[2]
			}
			// "os.path" counts as "os".
			topLevel := strings.SplitN(imported, ".", 2)[0]
			if restrictedImports[topLevel] {
				findings = append(findings, Finding{
					Severity:       SeverityHigh,
					Category:       "restricted-import",
					Description:    fmt.Sprintf("import of restricted module %q", topLevel),
					File:           relPath,
					Line:           lineNo,
					Recommendation: fmt.Sprintf("Modules must not import %s. Use the host-provided APIs instead.", topLevel),
				})
			}
		}

		for name, re := range callRegexes {
			if re.MatchString(line) {
				findings = append(findings, Finding{
					Severity:       SeverityCritical,
					Category:       "dangerous-call",
					Description:    fmt.Sprintf("direct call to %s()", name),
					File:           relPath,
					Line:           lineNo,
					Recommendation: fmt.Sprintf("Calls to %s are not permitted in sandboxed modules.", name),
				})
			}
		}

		for name, re := range attrRegexes {
			if re.MatchString(line) {
				findings = append(findings, Finding{
					Severity:    SeverityMedium,
					Category:    "dangerous-attribute",
					Description: fmt.Sprintf("access to attribute %s", name),
					File:        relPath,
					Line:        lineNo,
				})
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return findings, nil
}
