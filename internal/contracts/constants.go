package contracts

// Inbound event names on the driver channel.
const (
	EventRideRequest     = "ride:request"     // offer payload
	EventRideCancelled   = "ride:cancelled"   // server-initiated cancellation
	EventRideStatus      = "ride:status"      // authoritative status + version
	EventRideUnavailable = "ride:unavailable" // optimistic accept rejected / offer withdrawn
)

// Outbound command names on the driver channel.
const (
	CommandRideAccept   = "ride:accept"
	CommandRideReject   = "ride:reject"
	CommandRideStart    = "ride:start"
	CommandRideComplete = "ride:complete"
)

// AMQP topology for broker-direct deployments.
const (
	ExchangeDriverTopic = "driver_topic"

	RouteDriverEventPrefix   = "driver.event."   // {driver_id}
	RouteDriverCommandPrefix = "driver.command." // {driver_id}
)

// DriverEventQueue returns the per-driver queue name for inbound events.
func DriverEventQueue(driverID string) string {
	return "driver_events." + driverID
}
