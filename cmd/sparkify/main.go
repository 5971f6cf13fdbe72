// Command sparkify loads the song and activity-log datasets into the sparkify
// star schema. Three variants share one configuration file:
//
//	sparkify create-tables      reset the relational schema
//	sparkify etl                load local files into the relational schema
//	sparkify dwh create-tables  reset the warehouse staging and star tables
//	sparkify dwh etl            stage and transform inside the warehouse
//	sparkify lake               write the star tables as partitioned parquet
//	sparkify validate           print configuration issues
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	// register all backends with the storage factory.
	_ "sparkify/internal/storage/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
