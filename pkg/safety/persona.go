package safety

const (
	Persona = "You are a helpful safety assistant for a women's safety app. " +
		"Your role is to provide safety advice, help users assess risk levels in their area, " +
		"and offer guidance on staying safe. Be empathetic, supportive, and informative. " +
		"Keep responses concise and actionable."

	Greeting = "Hi! I'm your safety assistant. How can I help you stay safe today?"

	DefaultModel = "gpt-4o-mini"
	DefaultVoice = "alloy"
)

// AgentSettings are the per-agent literals. Empty fields fall back to the
// constants above.
type AgentSettings struct {
	Persona  string `mapstructure:"persona"`
	Greeting string `mapstructure:"greeting"`
	Model    string `mapstructure:"model"`
	Voice    string `mapstructure:"voice"`
}

func (a AgentSettings) withDefaults() AgentSettings {
	if a.Persona == "" {
		a.Persona = Persona
	}
	if a.Greeting == "" {
		a.Greeting = Greeting
	}
	if a.Model == "" {
		a.Model = DefaultModel
	}
	if a.Voice == "" {
		a.Voice = DefaultVoice
	}
	return a
}
