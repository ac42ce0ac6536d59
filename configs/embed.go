// Package configs provides the embedded configuration template written by
// `tutosearch config init`.
//
// The template is embedded at build time so binary releases carry it too.
// Every key it sets matches the built-in default (internal/config NewConfig),
// so an untouched copy changes nothing.
//
// Configuration hierarchy (see internal/config Load()):
//  1. Hardcoded defaults
//  2. User config (~/.config/tutosearch/config.yaml)
//  3. Project or --config file (.tutosearch.yaml)
//  4. Environment variables (TUTOSEARCH_*, plus the portal's DATABASE_URL,
//     REDIS_URL, SEARCH_BACKEND, MEILI_URL and MEILI_MASTER_KEY)
package configs

import _ "embed"

// ConfigTemplate is the commented configuration template.
//
//go:embed config.example.yaml
var ConfigTemplate string
