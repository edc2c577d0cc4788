package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const Name = "foresight"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host             string
		HttpPort         int      `yaml:"httpPort"`
		Domain           string   `yaml:"domain"`
		DbPath           string   `yaml:"dbPath"`
		WithFederation   bool     `yaml:"withFederation"`
		AllowPrivateNets bool     `yaml:"allowPrivateNets"`
		AllowHosts       []string `yaml:"allowHosts"`
		JwtSecret        string   `yaml:"jwtSecret"`
	}
}

// BaseURL returns the canonical https origin of this server.
func (c *AppConfig) BaseURL() string {
	return fmt.Sprintf("https://%s", c.Conf.Domain)
}

func ReadConf() (*AppConfig, error) {

	// A local .env file overrides nothing by itself, it only seeds the
	// environment before the FORESIGHT_* lookups below.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	c := &AppConfig{}

	buf, err := os.ReadFile(ConfigFileName)
	if err != nil {
		log.Printf("Config file not found at %s, using embedded defaults", ConfigFileName)
		buf = embeddedConfig
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("FORESIGHT_HOST")
	envHttpPort := os.Getenv("FORESIGHT_HTTPPORT")
	envDomain := os.Getenv("FORESIGHT_DOMAIN")
	envDbPath := os.Getenv("FORESIGHT_DBPATH")
	envWithFederation := os.Getenv("FORESIGHT_WITH_FEDERATION")
	envAllowPrivate := os.Getenv("FORESIGHT_ALLOW_PRIVATE_NETS")
	envAllowHosts := os.Getenv("FORESIGHT_ALLOW_HOSTS")
	envJwtSecret := os.Getenv("FORESIGHT_JWT_SECRET")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envDomain != "" {
		c.Conf.Domain = envDomain
	}

	if envDbPath != "" {
		c.Conf.DbPath = envDbPath
	}

	if envWithFederation == "true" {
		c.Conf.WithFederation = true
	}

	if envAllowPrivate == "true" {
		c.Conf.AllowPrivateNets = true
	}

	if envAllowHosts != "" {
		hosts := strings.Split(envAllowHosts, ",")
		for i := range hosts {
			hosts[i] = strings.TrimSpace(hosts[i])
		}
		c.Conf.AllowHosts = hosts
	}

	if envJwtSecret != "" {
		c.Conf.JwtSecret = envJwtSecret
	}

	return c, nil
}
