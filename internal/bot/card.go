package bot

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"text/template"
	"time"

	"github.com/ashureev/replyhelper/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed cards/intro.yaml
var defaultIntroCard []byte

// cardDefinition is the YAML form of a hero card. Title and text are templates
// over cardData.
type cardDefinition struct {
	Title    string              `yaml:"title"`
	Subtitle string              `yaml:"subtitle"`
	Text     string              `yaml:"text"`
	Images   []domain.CardImage  `yaml:"images"`
	Buttons  []domain.CardAction `yaml:"buttons"`
}

type cardData struct {
	Weekday string
}

// CardTemplate renders the intro card.
type CardTemplate struct {
	title    *template.Template
	subtitle *template.Template
	text     *template.Template
	images   []domain.CardImage
	buttons  []domain.CardAction
}

// LoadCardTemplate reads a card definition from path, or the built-in intro
// card when path is empty.
func LoadCardTemplate(path string) (*CardTemplate, error) {
	data := defaultIntroCard
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read card file: %w", err)
		}
	}
	return ParseCardTemplate(data)
}

// ParseCardTemplate parses a YAML card definition.
func ParseCardTemplate(data []byte) (*CardTemplate, error) {
	var def cardDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse card definition: %w", err)
	}
	if def.Title == "" && def.Text == "" {
		return nil, fmt.Errorf("card definition needs a title or text")
	}
	for i, b := range def.Buttons {
		if b.Type == "" {
			def.Buttons[i].Type = domain.ActionTypeOpenURL
		}
		if b.Value == "" {
			return nil, fmt.Errorf("button %d (%q) has no value", i, b.Title)
		}
	}

	t := &CardTemplate{images: def.Images, buttons: def.Buttons}
	var err error
	if t.title, err = template.New("title").Parse(def.Title); err != nil {
		return nil, fmt.Errorf("parse card title: %w", err)
	}
	if t.subtitle, err = template.New("subtitle").Parse(def.Subtitle); err != nil {
		return nil, fmt.Errorf("parse card subtitle: %w", err)
	}
	if t.text, err = template.New("text").Parse(def.Text); err != nil {
		return nil, fmt.Errorf("parse card text: %w", err)
	}
	return t, nil
}

// Render builds the card for the given moment.
func (t *CardTemplate) Render(now time.Time) (*domain.HeroCard, error) {
	data := cardData{Weekday: now.Weekday().String()}

	title, err := execute(t.title, data)
	if err != nil {
		return nil, err
	}
	subtitle, err := execute(t.subtitle, data)
	if err != nil {
		return nil, err
	}
	text, err := execute(t.text, data)
	if err != nil {
		return nil, err
	}

	return &domain.HeroCard{
		Title:    title,
		Subtitle: subtitle,
		Text:     text,
		Images:   append([]domain.CardImage(nil), t.images...),
		Buttons:  append([]domain.CardAction(nil), t.buttons...),
	}, nil
}

func execute(tmpl *template.Template, data cardData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
