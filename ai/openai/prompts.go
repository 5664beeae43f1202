package openai

import (
	"fmt"
	"strings"

	"github.com/poiesic/docflow/ai"
)

const entityResponseSchema = `{
  "type": "object",
  "properties": {
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string"},
          "salience": {"type": "integer", "minimum": 1, "maximum": 10}
        },
        "required": ["name", "type", "salience"],
        "additionalProperties": false
      }
    }
  },
  "required": ["entities"],
  "additionalProperties": false
}`

const entityPromptTemplate = `Extract the named entities mentioned in the given text and return them as JSON.

Output ONLY valid JSON which complies with the schema given below. Do not include any preamble, explanation,
greeting, or acknowledgment. Start your response directly with the opening brace { and end with the closing
brace }. Your output must exactly follow this schema:

%s

Rules:
- Copy each entity name exactly as written in the text, including capitalization and punctuation.
- Type field must match exactly one of the listed values: %s.
- Salience is an integer from 1 (passing mention) to 10 (the text is about this entity).
- List an entity once even if it is mentioned several times; use its most complete name.
- Include only entities that are explicitly named. Do not hallucinate.
- If no entities can be identified, return "entities": [].

Example:
Input: "Coca-Cola, headquartered in Atlanta, reported record sales. CEO James Quincey credited Asia."
Output:
{
  "entities": [
    {"name":"Coca-Cola","type":"ORGANIZATION","salience":10},
    {"name":"Atlanta","type":"LOCATION","salience":5},
    {"name":"James Quincey","type":"PERSON","salience":7},
    {"name":"Asia","type":"LOCATION","salience":4}
  ]
}`

const graphResponseSchema = `{
  "type": "object",
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string"}
        },
        "required": ["name", "type"]
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "source": {"type": "string"},
          "target": {"type": "string"},
          "relation": {"type": "string", "pattern": "^[a-z]+(_[a-z]+)*$"}
        },
        "required": ["source", "target", "relation"]
      }
    }
  },
  "required": ["nodes", "edges"]
}`

const graphPromptTemplate = `Build a knowledge graph from the given text and return it as JSON.

Output ONLY valid JSON which complies with the schema given below, with no text outside the object:

%s

Rules:
- Nodes are the entities named in the text. Type must be one of: %s.
- Edges connect two nodes by name; source and target must both appear in nodes.
- Relations are short snake_case verbs or verb phrases such as "founded", "located_in", "acquired".
- Only state relations the text asserts. Do not infer world knowledge.
- If nothing can be extracted, return {"nodes": [], "edges": []}.

Example:
Input: "Coca-Cola, headquartered in Atlanta, acquired Costa Coffee in 2019."
Output:
{
  "nodes": [
    {"name":"Coca-Cola","type":"ORGANIZATION"},
    {"name":"Atlanta","type":"LOCATION"},
    {"name":"Costa Coffee","type":"ORGANIZATION"}
  ],
  "edges": [
    {"source":"Coca-Cola","target":"Atlanta","relation":"headquartered_in"},
    {"source":"Coca-Cola","target":"Costa Coffee","relation":"acquired"}
  ]
}`

func entitySystemPrompt() string {
	return fmt.Sprintf(entityPromptTemplate, entityResponseSchema, strings.Join(ai.EntityTypes, ", "))
}

func graphSystemPrompt() string {
	return fmt.Sprintf(graphPromptTemplate, graphResponseSchema, strings.Join(ai.EntityTypes, ", "))
}
