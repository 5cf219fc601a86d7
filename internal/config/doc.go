// Package config loads and holds client configuration.
//
// Sources are applied in order, later ones winning:
//
//  1. Default()
//  2. a YAML file (KEYGEN_CONFIG, ./keygen.yaml or ./configs/keygen.yaml)
//  3. KEYGEN_* environment variables, e.g. KEYGEN_SERVICE_ACCOUNT
//
// The loaded value is validated with struct tags and a few cross-field rules.
//
// Store is the single process-wide handle. Get returns a whole snapshot and
// Replace or Update swap the whole struct; there is no field-level setter.
// Operations that need configuration take a source with a Get method and read
// it once per call.
package config
