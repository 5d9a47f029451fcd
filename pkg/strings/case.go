package strings

import "github.com/iancoleman/strcase"

// ToKebabCase normalizes a name for use inside a queue or subject name, "myConsumerGroup" becomes "my-consumer-group".
func ToKebabCase(s string) string {
	return strcase.ToKebab(s)
}
