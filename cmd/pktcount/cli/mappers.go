package cli

import (
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-pktcount"
)

// interfaceRefMapper creates a Kong mapper for interface identifiers:
// a name such as "eth0" or a positive index such as "2".
func interfaceRefMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("interface", &s); err != nil {
			return err
		}
		ref, err := pktcount.ParseInterfaceRef(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(ref))
		return nil
	}
}
