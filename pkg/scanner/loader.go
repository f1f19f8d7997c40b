package scanner

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/facette/natsort"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"sigs.k8s.io/yaml"
)

var ruleFileExtensions = []string{".yaml", ".yml", ".json"}

// IsRuleFile reports whether path has a rule file extension.
func IsRuleFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range ruleFileExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ParseRules decodes one YAML or JSON rule document. Both a {rules: [...]}
// document and a bare list are accepted.
func ParseRules(data []byte) ([]RuleSource, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err == nil {
		return file.Rules, nil
	}
	var list []RuleSource
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decoding rules: %w", err)
	}
	return list, nil
}

// LoadRules reads every rule file named by paths. Directories are walked
// recursively and their files read in natural order so rule order is stable.
func LoadRules(appFs afero.Fs, paths []string) ([]RuleSource, error) {
	var files []string
	var errs error
	for _, p := range paths {
		info, err := appFs.Stat(p)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stat %s: %w", p, err))
			continue
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		var found []string
		err = afero.Walk(appFs, p, func(path string, info fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && IsRuleFile(path) {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("walking %s: %w", p, err))
			continue
		}
		natsort.Sort(found)
		files = append(files, found...)
	}

	var sources []RuleSource
	for _, f := range files {
		data, err := afero.ReadFile(appFs, f)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reading %s: %w", f, err))
			continue
		}
		rules, err := ParseRules(data)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		logger.L().Debug("loaded rule file", helpers.String("path", f), helpers.Int("rules", len(rules)))
		sources = append(sources, rules...)
	}
	return sources, errs
}
