// Package prompt holds the persona and instruction templates rendered into
// completion calls. Templates are embedded and rendered through typed
// context structs.
package prompt

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/ekkle/salesos/store"
)

//go:embed template/*.txt
var files embed.FS

// PersonaData feeds the persona system-prompt templates.
type PersonaData struct {
	Context     string
	MarketBlock string
}

// MessageLine is one turn of a conversation fed to the summarizer.
type MessageLine struct {
	Speaker string
	Text    string
}

// SummaryData feeds the summarizer template.
type SummaryData struct {
	MessageCount int
	Messages     []MessageLine
}

type messageData struct {
	Message string
}

// Library renders the embedded templates.
type Library struct {
	templates *template.Template
}

func NewLibrary() (*Library, error) {
	tmpl, err := template.ParseFS(files, "template/*.txt")
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	return &Library{templates: tmpl}, nil
}

func MustNew() *Library {
	lib, err := NewLibrary()
	if err != nil {
		panic(err)
	}
	return lib
}

// Persona renders the system prompt for the given agent stage.
func (l *Library) Persona(agent store.AgentType, data PersonaData) (string, error) {
	name := string(agent) + ".txt"
	switch agent {
	case store.AgentSDR, store.AgentBDR, store.AgentCloser:
	default:
		return "", fmt.Errorf("unknown agent persona %q", agent)
	}
	return l.render(name, data)
}

// IntentClassifier renders the intent-classification instruction.
func (l *Library) IntentClassifier(message string) (string, error) {
	return l.render("intent.txt", messageData{Message: message})
}

// Extractor renders the fact-extraction instruction.
func (l *Library) Extractor(message string) (string, error) {
	return l.render("extractor.txt", messageData{Message: message})
}

// Summarizer renders the conversation-summarization instruction.
func (l *Library) Summarizer(data SummaryData) (string, error) {
	return l.render("summarizer.txt", data)
}

func (l *Library) render(name string, data any) (string, error) {
	var sb strings.Builder
	if err := l.templates.ExecuteTemplate(&sb, name, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return sb.String(), nil
}

// FallbackReply is sent when the agent pipeline fails mid-turn.
const FallbackReply = "Desculpe, tive um problema técnico agora. Já estou resolvendo e te respondo em instantes, combinado?"

// DefaultOffHoursReplies are the auto-replies sent outside business hours.
var DefaultOffHoursReplies = []string{
	"Olá! Nosso horário de atendimento é de segunda a sexta, das 8h às 18h. Assim que estivermos online, te respondo com todo carinho!",
	"Paz! Recebemos sua mensagem. Nossa equipe atende de segunda a sexta, das 8h às 18h, e vai te retornar logo no próximo horário.",
	"Obrigado pelo contato! No momento estamos fora do horário de atendimento (seg a sex, 8h às 18h), mas sua mensagem já está com a gente.",
}

// PickOffHours picks an off-hours reply using the supplied random source
// (randN returns a value in [0, n)).
func PickOffHours(replies []string, randN func(int) int) string {
	if len(replies) == 0 {
		replies = DefaultOffHoursReplies
	}
	return replies[randN(len(replies))]
}
