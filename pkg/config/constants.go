package config

const (
	// EnvPrefix namespaces every environment variable the service reads.
	EnvPrefix = "printventory"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "PRINTVENTORY_DB_DSN"
	EnvDBHost = "PRINTVENTORY_DB_HOST"
	EnvDBUser = "PRINTVENTORY_DB_USER"
	EnvDBName = "PRINTVENTORY_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
