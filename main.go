package main

import (
	"log"
	"os"
	"os/signal"

	"github.com/perigee-os/trustboot/cmd"
)

func main() {
	// Allow catching SIGINT to exit soon
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, os.Interrupt)
		<-sigchan
		log.Println("Program killed !")
		os.Exit(1)
	}()

	cmd.Execute()
}
