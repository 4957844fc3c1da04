package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	HTTPAddr  string
	DataDir   string
	DBPath    string
	RulesPath string
	WebDir    string
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("OBSERVABILITY_DATA_DIR", "data")
	return Config{
		HTTPAddr:  getEnv("OBSERVABILITY_HTTP_ADDR", ":4000"),
		DataDir:   dataDir,
		DBPath:    getEnv("OBSERVABILITY_DB_PATH", filepath.Join(dataDir, "observability.db")),
		RulesPath: getEnv("OBSERVABILITY_RULES_PATH", filepath.Join(".claude", "observability.json")),
		WebDir:    getEnv("OBSERVABILITY_WEB_DIR", "web"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
