package core

import (
	"fmt"
	"sync"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env            string `yaml:"env" env:"ENV" env-default:"local"`
	ApiKey         string `yaml:"api_key" env:"OPENAI_API_KEY" env-default:""`
	BaseUrl        string `yaml:"base_url" env:"OPENAI_BASE_URL" env-default:"https://api.openai.com/v1"`
	Model          string `yaml:"model" env-default:"qwen-turbo"`
	ImageModel     string `yaml:"image_model" env-default:"dall-e-3"`
	ImageSize      string `yaml:"image_size" env-default:"1024x1024"`
	SystemPrompt   string `yaml:"system_prompt" env-default:"You are a full-stack technology expert who explains technical topics in plain, approachable language."`
	Port           string `yaml:"port" env:"PORT" env-default:"8000"`
	RequestTimeout int    `yaml:"request_timeout" env-default:"120"`
	Telegram       struct {
		ApiKey   string `yaml:"api_key" env:"TELEGRAM_API_KEY" env-default:""`
		Username string `yaml:"username" env-default:""`
	} `yaml:"telegram"`
	Mongo struct {
		Enabled  bool   `yaml:"enabled" env-default:"false"`
		Host     string `yaml:"host" env-default:"127.0.0.1"`
		Port     string `yaml:"port" env-default:"27017"`
		User     string `yaml:"user" env-default:"admin"`
		Password string `yaml:"password" env-default:"pass"`
		Database string `yaml:"database" env-default:""`
	} `yaml:"mongo"`
}

var instance *Config
var once sync.Once

func GetConfig(path string) (*Config, error) {
	var err error
	once.Do(func() {
		instance = &Config{}
		if err = cleanenv.ReadConfig(path, instance); err != nil {
			desc, _ := cleanenv.GetDescription(instance, nil)
			err = fmt.Errorf("config: %s; %s", err, desc)
			instance = nil
		}
	})
	return instance, err
}

func MustLoad(path string) *Config {
	conf, err := GetConfig(path)
	if err != nil {
		panic(err)
	}
	return conf
}
