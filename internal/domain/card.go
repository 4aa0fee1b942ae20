package domain

// ContentTypeHeroCard is the attachment content type of a hero card.
const ContentTypeHeroCard = "application/vnd.microsoft.card.hero"

// ActionTypeOpenURL opens Value in a browser.
const ActionTypeOpenURL = "openUrl"

// Attachment is a rich payload carried by an activity.
type Attachment struct {
	ContentType string `json:"contentType"`
	Content     any    `json:"content,omitempty"`
	Name        string `json:"name,omitempty"`
}

// CardImage is an image shown on a card.
type CardImage struct {
	URL string `json:"url" yaml:"url"`
	Alt string `json:"alt,omitempty" yaml:"alt,omitempty"`
}

// CardAction is a clickable action on a card.
type CardAction struct {
	Type        string `json:"type" yaml:"type"`
	Title       string `json:"title" yaml:"title"`
	Text        string `json:"text,omitempty" yaml:"text,omitempty"`
	DisplayText string `json:"displayText,omitempty" yaml:"display_text,omitempty"`
	Value       string `json:"value" yaml:"value"`
}

// HeroCard is a card with a single large image, text and buttons.
type HeroCard struct {
	Title    string       `json:"title,omitempty"`
	Subtitle string       `json:"subtitle,omitempty"`
	Text     string       `json:"text,omitempty"`
	Images   []CardImage  `json:"images,omitempty"`
	Buttons  []CardAction `json:"buttons,omitempty"`
}

// ToAttachment wraps the card in an attachment.
func (c *HeroCard) ToAttachment() Attachment {
	return Attachment{ContentType: ContentTypeHeroCard, Content: c}
}
