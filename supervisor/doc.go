/*
Package supervisor runs a cluster of instances of a service under test.

Each instance is launched with its own configuration and told where to send its readiness
handshake. Start returns once every instance has handshaken and answered a liveness probe,
and the instances are then used through their HTTP API:

	err := supervisor.Run(ctx, supervisor.Config{Binary: binary}, configs,
		func(ctx context.Context, instances []*instance.Instance) error {
			_, err := instances[0].ClusterAddNode(ctx, instances[1].URI())
			return err
		})

Every launched process is terminated and reaped however Start or Run return, including when
an instance fails to start or ctx is cancelled. A process that ignores termination is killed.
*/
package supervisor
