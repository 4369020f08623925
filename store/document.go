package store

import (
	"github.com/mitchellh/mapstructure"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IDField is the field holding the store-assigned identifier.
const IDField = "_id"

// Document is a schemaless animal record.
type Document map[string]any

// Filter selects documents using the store-native filter language.
// Keys are field names (dotted for nested fields) or top-level $and/$or;
// values are literals for equality or operator documents such as {"$gte": 3}.
type Filter map[string]any

// ID returns the document identifier, or "" for documents read without one.
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

// WithoutID returns a shallow copy of the document with the identifier removed.
func (d Document) WithoutID() Document {
	return Document(lo.OmitByKeys(map[string]any(d), []string{IDField}))
}

// Decode fills out (a pointer to a struct or map) from the document.
// Field names are matched through `mapstructure` tags; numeric and string
// values are converted weakly so documents from any driver decode the same way.
func (d Document) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Squash:           true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(d))
}

// NewID returns a fresh identifier in the canonical hexadecimal encoding.
func NewID() string {
	return primitive.NewObjectID().Hex()
}

// ValidID reports whether id is a well-formed identifier.
func ValidID(id string) bool {
	_, err := primitive.ObjectIDFromHex(id)
	return err == nil
}

// Animal is a typed view over the common Austin Animal Center fields.
type Animal struct {
	ID                    string  `mapstructure:"_id,omitempty"`
	AnimalID              string  `mapstructure:"animal_id,omitempty"`
	AnimalType            string  `mapstructure:"animal_type,omitempty"`
	Breed                 string  `mapstructure:"breed,omitempty"`
	Color                 string  `mapstructure:"color,omitempty"`
	Name                  string  `mapstructure:"name,omitempty"`
	DateOfBirth           string  `mapstructure:"date_of_birth,omitempty"`
	SexUponOutcome        string  `mapstructure:"sex_upon_outcome,omitempty"`
	AgeUponOutcome        string  `mapstructure:"age_upon_outcome,omitempty"`
	AgeUponOutcomeInWeeks float64 `mapstructure:"age_upon_outcome_in_weeks,omitempty"`
	OutcomeType           string  `mapstructure:"outcome_type,omitempty"`
	OutcomeSubtype        string  `mapstructure:"outcome_subtype,omitempty"`
	LocationFound         string  `mapstructure:"location_found,omitempty"`
	LocationLat           float64 `mapstructure:"location_lat,omitempty"`
	LocationLong          float64 `mapstructure:"location_long,omitempty"`
	Status                string  `mapstructure:"status,omitempty"`
	Age                   int     `mapstructure:"age,omitempty"`
}

// AnimalDocument converts a typed Animal into a Document for Create or Update,
// dropping zero-valued fields. The ID is never included: the store assigns it
// and it cannot be updated.
func AnimalDocument(a Animal) (Document, error) {
	out := map[string]any{}
	if err := mapstructure.Decode(a, &out); err != nil {
		return nil, err
	}
	return Document(lo.OmitBy(out, func(k string, v any) bool {
		return k == IDField || v == nil || v == "" || v == 0 || v == 0.0
	})), nil
}
