package config

// Backend is where `lectern config set` persists values. Load reads every
// non-secret key from it before applying LECTERN_* environment overrides.
//
// Set receives a string, int, float64 or bool already validated against the
// key's type. Readers report ok=false for keys that were never set.
type Backend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetFloat(key string) (val float64, ok bool, err error)
	Set(key string, val any) error
	Delete(key string) error
}

// secretService groups lectern's entries in the platform secret store.
const secretService = "lectern"
