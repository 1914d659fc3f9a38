/*
Package resilience provides the circuit breaker that guards worker spawns.

A script that crashes its worker on every start would otherwise be
respawned in a tight loop by every reload. The breaker counts consecutive
spawn failures and, once tripped, fails further spawns at once until a
cool-down passes.

# Usage

	breaker := resilience.New("worker-spawn", resilience.Settings{
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	err := breaker.Execute(func() error {
		return spawn(ctx)
	})

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                       [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
