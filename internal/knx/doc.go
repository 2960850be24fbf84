// Package knx implements KNXnet/IP connectivity for the gateway.
//
// It wraps the knx-go tunnel and router clients in a Connection that can be
// shared by many attribute bindings, and translates between attribute values
// and group telegram data.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐
//	│  gateway.Engine │ commands │   Connection    │  KNXnet/IP
//	│                 │─────────►│   (this pkg)    │◄──────────► IP gateway
//	│                 │◄─────────│                 │  tunnel or    or router
//	└─────────────────┘  values  └─────────────────┘  routing
//
// # Group Addresses
//
// Group addresses use the dotted 3-level format Main.Middle.Sub:
//
//	addr, err := knx.ParseGroupAddress("1.2.3")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(addr.String()) // "1.2.3"
//
// # Datapoint Types
//
// Common types have built-in codecs:
//
//   - DPT 1.xxx: 1-bit switch
//   - DPT 3.007: dimming step
//   - DPT 5.001 / 5.003: percentage and angle
//   - DPT 9.xxx: 2-byte float (temperature, lux)
//   - DPT 17.001 / 18.001: scene number and scene control
//
// Anything else falls back to the knx-go dpt registry.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package knx
