package main

// Register the transport and lease store backends. Each package's init()
// adds itself to the registry that service.Run selects from.
import (
	_ "github.com/felixnotka/hubfence/pkg/transport/eventhubs"
	_ "github.com/felixnotka/hubfence/pkg/transport/memory"

	_ "github.com/felixnotka/hubfence/pkg/lease/blob"
	_ "github.com/felixnotka/hubfence/pkg/lease/kube"
	_ "github.com/felixnotka/hubfence/pkg/lease/memory"
	_ "github.com/felixnotka/hubfence/pkg/lease/postgres"
	_ "github.com/felixnotka/hubfence/pkg/lease/redis"
)
