package foundry

import (
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
)

// DatasetRef identifies a dataset RID and branch.
type DatasetRef struct {
	RID    string
	Branch string
}

// BranchOrDefault returns the branch, or "master" when unset.
func (r DatasetRef) BranchOrDefault() string {
	if b := strings.TrimSpace(r.Branch); b != "" {
		return b
	}
	return "master"
}

// Env is the runtime configuration for reading and writing records in a Foundry dataset.
type Env struct {
	Services Services
	// DefaultCAPath is a PEM bundle to trust for TLS (DEFAULT_CA_PATH).
	DefaultCAPath string
	Token         string
	Aliases       map[string]DatasetRef
}

// LoadEnv reads the dataset environment.
//
// Required:
//   - FOUNDRY_SERVICE_DISCOVERY_V2 (file path) or FOUNDRY_URL
//   - BUILD2_TOKEN (file path)
//   - RESOURCE_ALIAS_MAP (file path)
func LoadEnv() (Env, error) {
	services, err := loadServicesFromEnv()
	if err != nil {
		return Env{}, err
	}

	token, err := readFileEnv("BUILD2_TOKEN")
	if err != nil {
		return Env{}, err
	}

	aliases, err := readAliasMapEnv("RESOURCE_ALIAS_MAP")
	if err != nil {
		return Env{}, err
	}

	return Env{
		Services:      services,
		DefaultCAPath: strings.TrimSpace(os.Getenv("DEFAULT_CA_PATH")),
		Token:         token,
		Aliases:       aliases,
	}, nil
}

// Alias resolves a dataset alias from RESOURCE_ALIAS_MAP.
func (e Env) Alias(name string) (DatasetRef, error) {
	ref, ok := e.Aliases[name]
	if !ok {
		return DatasetRef{}, fmt.Errorf("RESOURCE_ALIAS_MAP has no alias %q", name)
	}
	return ref, nil
}

func loadServicesFromEnv() (Services, error) {
	if p := strings.TrimSpace(os.Getenv("FOUNDRY_SERVICE_DISCOVERY_V2")); p != "" {
		return loadServicesFromDiscoveryFile(p)
	}

	foundryURL := strings.TrimSpace(os.Getenv("FOUNDRY_URL"))
	if foundryURL == "" {
		return Services{}, fmt.Errorf("FOUNDRY_SERVICE_DISCOVERY_V2 or FOUNDRY_URL is required")
	}
	if !strings.Contains(foundryURL, "://") {
		foundryURL = "https://" + foundryURL
	}
	return Services{APIGateway: strings.TrimRight(foundryURL, "/") + "/api"}, nil
}

func readFileEnv(varName string) (string, error) {
	path := strings.TrimSpace(os.Getenv(varName))
	if path == "" {
		return "", fmt.Errorf("%s is required", varName)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s file: %w", varName, err)
	}
	return strings.TrimSpace(string(b)), nil
}

type aliasEntry struct {
	RID    string  `json:"rid"`
	Branch *string `json:"branch"`
}

func readAliasMapEnv(varName string) (map[string]DatasetRef, error) {
	path := strings.TrimSpace(os.Getenv(varName))
	if path == "" {
		return nil, fmt.Errorf("%s is required", varName)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s file: %w", varName, err)
	}

	var raw map[string]aliasEntry
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse %s JSON: %w", varName, err)
	}
	out := make(map[string]DatasetRef, len(raw))
	for k, v := range raw {
		if strings.TrimSpace(v.RID) == "" {
			return nil, fmt.Errorf("alias %q: rid is required", k)
		}
		ref := DatasetRef{RID: strings.TrimSpace(v.RID)}
		if v.Branch != nil {
			ref.Branch = strings.TrimSpace(*v.Branch)
		}
		out[k] = ref
	}
	return out, nil
}
