// Package config loads and validates the KNX gateway's process configuration.
//
// Values are layered: built-in defaults, then the YAML file, then KNXGW_*
// environment variables. Validate reports every problem in one error.
//
// Secrets (JWT key, MQTT password, InfluxDB token) belong in the
// environment, not the file.
//
// The optional configurations section seeds gateway configurations and
// their attribute links into the database on first start. After that the
// database is authoritative and the section is ignored.
//
//	cfg, err := config.Load(config.Path())
//	if err != nil {
//	    return err
//	}
package config
