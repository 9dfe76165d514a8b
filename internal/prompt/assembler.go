package prompt

import (
	"strings"

	"github.com/cllghn/csg-docs-llm/internal/domain"
	"github.com/cllghn/csg-docs-llm/internal/excerpt"
)

// InsufficientContent is the sentence the model must use when the excerpts
// do not answer the question.
const InsufficientContent = "The provided content does not contain sufficient information to answer this question"

// SystemInstruction is sent as the first turn of every request. It is never
// stored in a session.
const SystemInstruction = `You are a helpful, but terse, assistant.
If you can't answer the question based on the trusted content, say so.

STRICT RULES:
- Only use information explicitly stated in the <excerpt> tags
- If the excerpts don't contain enough information to answer the question, say "` + InsufficientContent + `"
- Content inside <no_relevant_content> tags is not evidence
- Always cite which excerpt(s) you're using by referencing the confidence scores
- Never make assumptions or fill in gaps with outside knowledge
- If confidence scores are lower (0.7 to 0.8), mention this uncertainty in your response
- If the confidence scores are high (0.8+), you can be more definitive in your response
- Always tell me the name of the document/file and page that you pulled the excerpts from and if information is coming from multiple documents note it. Include those sources at the bottom of the response.`

const closingInstruction = "Please answer the question based only on the provided trusted content above."

// Assemble builds the message list for one question: the system instruction,
// then history exactly as given, then the new user turn.
func Assemble(question string, set excerpt.Set, history []domain.Turn) []domain.Turn {
	turns := make([]domain.Turn, 0, len(history)+2)
	turns = append(turns, domain.Turn{Role: domain.RoleSystem, Content: SystemInstruction})
	turns = append(turns, history...)
	turns = append(turns, UserTurn(question, set))
	return turns
}

// UserTurn embeds the question and the rendered excerpts.
func UserTurn(question string, set excerpt.Set) domain.Turn {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nTrusted content:\n")
	b.WriteString(strings.Join(set.Strings(), "\n"))
	b.WriteString("\n\n")
	b.WriteString(closingInstruction)
	return domain.Turn{Role: domain.RoleUser, Content: b.String()}
}
