// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package vs2

// Direction tags a chunk or packet with where it came from and where it goes.
//
// The two local directions mark traffic synthesized by the bridge itself
// (injected poll requests and their answers) so it can share the ordering of
// observed traffic while staying distinguishable.
type Direction uint8

// Direction tags
const (
	GatewayToController Direction = 0b0001
	ControllerToGateway Direction = 0b0010
	LocalToController   Direction = 0b0100
	ControllerToLocal   Direction = 0b1000

	toController   = GatewayToController | LocalToController
	fromController = ControllerToGateway | ControllerToLocal
)

// ToController reports whether the traffic is a request heading to the controller
func (d Direction) ToController() bool {
	return d&toController != 0
}

// FromController reports whether the traffic was sent by the controller.
// Such traffic is decoded with the response variant.
func (d Direction) FromController() bool {
	return d&fromController != 0
}

// Local reports whether the traffic was originated by the bridge
func (d Direction) Local() bool {
	return d&(LocalToController|ControllerToLocal) != 0
}

// String returns a human-readable direction name
func (d Direction) String() string {
	switch d {
	case GatewayToController:
		return "Gateway → Controller"
	case ControllerToGateway:
		return "Controller → Gateway"
	case LocalToController:
		return "Local → Controller"
	case ControllerToLocal:
		return "Controller → Local"
	default:
		return "Unknown"
	}
}
