// Copyright 2024-present ZenRoute Contributors
// (based on git commit history).
//
// ZenRoute project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	StorageTypeMemory = "memory"
	StorageTypeRedis  = "redis"
)

type Config struct {
	Name       string     `yaml:"name" json:"name" env:"APP_NAME" env-default:"zenroute"` // used for OTEL as an application identifier
	Server     Server     `yaml:"server" json:"server"`                                   // configuration of the public REST server
	Tracing    Tracing    `yaml:"tracing" json:"tracing"`
	Storage    Storage    `yaml:"storage" json:"storage"`
	Engine     Engine     `yaml:"engine" json:"engine"`
	Assignment Assignment `yaml:"assignment" json:"assignment"`
}

type Server struct {
	Context string `yaml:"context" json:"context" env:"REST_API_CONTEXT" env-default:"/"`
	Addr    string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"TRACING_ENABLED"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT"`
	Name     string `yaml:"name" json:"name" env:"TRACING_NAME"`
	// TransferHeaders are copied from incoming requests onto spans
	TransferHeaders []string `yaml:"transferHeaders" json:"transferHeaders" env:"TRACING_TRANSFER_HEADERS"`
}

type Storage struct {
	Type  string `yaml:"type" json:"type" env:"STORAGE_TYPE" env-default:"memory"`
	Redis Redis  `yaml:"redis" json:"redis"`
}

type Redis struct {
	Addr     string `yaml:"addr" json:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" json:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" json:"db" env:"REDIS_DB"`
}

// Engine points at the external BPMN engine REST API that executes tokens.
// ZenRoute only decides routing; the engine owns task state.
type Engine struct {
	BaseURL   string `yaml:"baseUrl" json:"baseUrl" env:"ENGINE_BASE_URL" env-default:"http://localhost:8090"`
	TimeoutMs int    `yaml:"timeoutMs" json:"timeoutMs" env:"ENGINE_TIMEOUT_MS" env-default:"5000"`
}

type Assignment struct {
	// DefaultGroup receives tasks when no assignment config resolves any candidate
	DefaultGroup string `yaml:"defaultGroup" json:"defaultGroup" env:"ASSIGNMENT_DEFAULT_GROUP" env-default:"ROLE_BRANCH_MANAGER"`
	// AuthorityTiers map monetary amounts to approval roles, ascending by maxAmount
	AuthorityTiers []AuthorityTier `yaml:"authorityTiers" json:"authorityTiers"`
}

type AuthorityTier struct {
	MaxAmount int64  `yaml:"maxAmount" json:"maxAmount"`
	RoleCode  string `yaml:"roleCode" json:"roleCode"`
}

func (c Config) defaults() Config {
	if c.Tracing.Name == "" {
		c.Tracing.Name = c.Name
	}
	if len(c.Assignment.AuthorityTiers) == 0 {
		c.Assignment.AuthorityTiers = []AuthorityTier{
			{MaxAmount: 500_000, RoleCode: "BRANCH_MANAGER"},
			{MaxAmount: 5_000_000, RoleCode: "CREDIT_COMMITTEE_A"},
			{MaxAmount: 50_000_000, RoleCode: "CREDIT_COMMITTEE_B"},
			{MaxAmount: -1, RoleCode: "BOARD"}, // -1 = no upper bound
		}
	}
	return c
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c.defaults()
}
