package cmd

import (
	"flag"
	"log"

	"relex-backend/internal/notify"

	"github.com/joho/godotenv"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

func CreateNotifier(webhookURL string) notify.Notifier {
	if webhookURL == "" {
		return notify.NoopNotifier{}
	}
	return notify.NewWebhookNotifier(webhookURL)
}
