package snowflake

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Config holds Snowflake connection and table configuration.
type Config struct {
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Warehouse string `yaml:"warehouse"`
	Role      string `yaml:"role"`
	Enabled   bool   `yaml:"enabled"`

	Tables              Tables `yaml:"tables"`
	SourceURLBase       string `yaml:"source_url_base"`
	QueryTimeoutSeconds int    `yaml:"query_timeout_seconds"`
	MaxRows             int    `yaml:"max_rows"`
}

// Tables names the fully qualified tables the store reads and writes.
type Tables struct {
	Experiments string `yaml:"experiments"`
	Results     string `yaml:"results"`
	Metrics     string `yaml:"metrics"`
	Sources     string `yaml:"sources"`
	Callouts    string `yaml:"callouts"`
}

// DefaultTables are the production table names.
func DefaultTables() Tables {
	return Tables{
		Experiments: "proddb.fionafan.coda_experiments_focused",
		Results:     "proddb.fionafan.nux_curie_result_daily",
		Metrics:     "CONFIGURATOR_PROD.PUBLIC.TALLEYRAND_METRICS",
		Sources:     "CONFIGURATOR_PROD.PUBLIC.TALLEYRAND_SOURCE",
		Callouts:    "proddb.fionafan.nux_experiment_callouts",
	}
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*){0,2}$`)

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	def := DefaultTables()
	if c.Tables.Experiments == "" {
		c.Tables.Experiments = def.Experiments
	}
	if c.Tables.Results == "" {
		c.Tables.Results = def.Results
	}
	if c.Tables.Metrics == "" {
		c.Tables.Metrics = def.Metrics
	}
	if c.Tables.Sources == "" {
		c.Tables.Sources = def.Sources
	}
	if c.Tables.Callouts == "" {
		c.Tables.Callouts = def.Callouts
	}
	if c.QueryTimeoutSeconds == 0 {
		c.QueryTimeoutSeconds = 60
	}
	if c.MaxRows == 0 {
		c.MaxRows = 200
	}
	return c
}

// Validate checks that table names are plain identifiers, since they are
// interpolated into SQL.
func (c Config) Validate() error {
	for _, t := range []string{c.Tables.Experiments, c.Tables.Results, c.Tables.Metrics, c.Tables.Sources, c.Tables.Callouts} {
		if !identifier.MatchString(t) {
			return fmt.Errorf("invalid snowflake table name %q", t)
		}
	}
	return nil
}

// QueryTimeout returns the per-query timeout.
func (c Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// ParseConnectionString extracts components from a connection string.
// Format: ACCOUNT=xxx;USER=zzz;PASSWORD=www;DB=database.schema;WAREHOUSE=w;ROLE=r
// Keys are case-insensitive; unknown keys are ignored.
func ParseConnectionString(connStr string) Config {
	parts := make(map[string]string)
	for _, kv := range strings.Split(connStr, ";") {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			parts[strings.ToUpper(strings.TrimSpace(kv[:idx]))] = strings.TrimSpace(kv[idx+1:])
		}
	}

	db := parts["DB"]
	if db == "" {
		db = parts["DATABASE"]
	}
	database, schema := db, parts["SCHEMA"]
	if idx := strings.IndexByte(db, '.'); idx > 0 {
		database, schema = db[:idx], db[idx+1:]
	}

	return Config{
		Account:   parts["ACCOUNT"],
		User:      parts["USER"],
		Password:  parts["PASSWORD"],
		Database:  database,
		Schema:    schema,
		Warehouse: parts["WAREHOUSE"],
		Role:      parts["ROLE"],
	}
}
