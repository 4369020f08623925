package store

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Supported drivers.
const (
	DriverMongo  = "mongodb"
	DriverDynamo = "dynamodb"
	DriverMemory = "memory"
)

// Config holds connection parameters for the Store.
type Config struct {
	// Driver selects the backing store: "mongodb", "dynamodb" or "memory".
	// Default: "mongodb"
	Driver string `validate:"oneof=mongodb dynamodb memory"`

	// Username and Password authenticate against the store.
	// For dynamodb they are used as a static access key pair when set.
	Username string
	Password string

	// Host and Port locate the store. Host is required for mongodb.
	// For dynamodb they select a local endpoint (e.g. DynamoDB Local).
	Host string `validate:"required_if=Driver mongodb"`
	Port int    `validate:"gte=0,lte=65535"`

	// Database is the logical database name.
	// Default: "AAC"
	Database string `validate:"required"`

	// Collection is the animal collection name (dynamodb table "<Database>.<Collection>").
	// Default: "animals"
	Collection string `validate:"required"`

	// Timeout bounds server selection and each store round trip.
	// Default: 5s
	Timeout time.Duration `validate:"gt=0"`

	// AppName is reported to the store for connection diagnostics.
	AppName string

	// DirectConnection disables replica set discovery for mongodb.
	DirectConnection bool

	// IndexFields are the fields that get a secondary index on Open.
	// Default: animal_type, breed, location_found
	IndexFields []string

	// SkipIndexes disables index creation on Open.
	SkipIndexes bool

	// IndexedReads lets dynamodb serve criteria reads with a string equality on
	// an indexed field from that field's GSI. GSI reads are eventually
	// consistent and only see string values, so a record written just before,
	// or one whose field holds an array, may be missed. Updates, deletes and
	// counts always scan consistently.
	IndexedReads bool

	// Region is the AWS region for dynamodb.
	Region string `validate:"required_if=Driver dynamodb"`

	// Endpoint overrides the dynamodb endpoint URL. Takes precedence over Host/Port.
	Endpoint string `validate:"omitempty,url"`
}

// DefaultIndexFields are the commonly filtered animal fields.
var DefaultIndexFields = []string{"animal_type", "breed", "location_found"}

// DefaultConfig returns defaults matching the Austin Animal Center deployment.
func DefaultConfig() Config {
	return Config{
		Driver:           DriverMongo,
		Host:             "localhost",
		Port:             27017,
		Database:         "AAC",
		Collection:       "animals",
		Timeout:          5 * time.Second,
		AppName:          "shelter",
		DirectConnection: true,
		IndexFields:      append([]string(nil), DefaultIndexFields...),
		Region:           "us-east-1",
	}
}

// validate fills zero values with defaults.
func (c *Config) validate() {
	if c.Driver == "" {
		c.Driver = DriverMongo
	}
	if c.Database == "" {
		c.Database = "AAC"
	}
	if c.Collection == "" {
		c.Collection = "animals"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.IndexFields == nil {
		c.IndexFields = append([]string(nil), DefaultIndexFields...)
	}
	if c.Driver == DriverMongo && c.Host == "" {
		c.Host = "localhost"
	}
	if c.Driver == DriverMongo && c.Port == 0 {
		c.Port = 27017
	}
	if c.Driver == DriverDynamo && c.Region == "" {
		c.Region = "us-east-1"
	}
}

var configValidator = validator.New()

// Validate applies defaults and reports configuration errors.
func (c *Config) Validate() error {
	c.validate()
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("%w: config: %v", ErrInvalidArgument, err)
	}
	return nil
}

// MongoURI builds the connection string, percent-escaping the credentials.
func (c Config) MongoURI() string {
	u := url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/",
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	q := url.Values{}
	if c.DirectConnection {
		q.Set("directConnection", "true")
	}
	if c.AppName != "" {
		q.Set("appName", c.AppName)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// DynamoEndpoint returns the endpoint override for dynamodb, or "" for the AWS default.
func (c Config) DynamoEndpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	if c.Host == "" {
		return ""
	}
	if c.Port == 0 {
		return "http://" + c.Host
	}
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TableName returns the dynamodb table holding the collection.
func (c Config) TableName() string {
	return c.Database + "." + c.Collection
}

// redacted returns the config safe for logging.
func (c Config) redacted() map[string]any {
	return map[string]any{
		"driver":     c.Driver,
		"host":       c.Host,
		"port":       c.Port,
		"database":   c.Database,
		"collection": c.Collection,
		"user":       c.Username,
		"timeout":    c.Timeout.String(),
	}
}
