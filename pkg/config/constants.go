package config

// EnvPrefix is passed to envconfig; individual fields carry explicit names.
const EnvPrefix = "WAVEFRAME"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvDBDSN  = "WAVEFRAME_DB_DSN"
	EnvDBHost = "WAVEFRAME_DB_HOST"
	EnvDBUser = "WAVEFRAME_DB_USER"
	EnvDBName = "WAVEFRAME_DB_NAME"
)

var requiredDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
