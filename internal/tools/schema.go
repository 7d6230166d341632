package tools

import (
	"github.com/BustosAndrew/calhacks10/internal/conversation"
	"github.com/BustosAndrew/calhacks10/internal/nutrition"
)

const updateMacrosDescription = "Update the user's macros based on what they ate or drank. " +
	"First, fix any spelling mistake of the food/drink name, also ensuring that the first word of the name is capitalized. " +
	"If the user ate or drank something but serving size is not specified, it is assumed to be 1. " +
	"If the user ate or drank multiple servings, specify the number of servings. " +
	"For example, if the user ate 2 servings of a food, specify the serving size as 2. " +
	"If the user ate 1/2 of a serving, specify the serving size as 0.5. " +
	"Lastly, if the user ate or drank something that has no property like vitamins, assign that property with value and serving size as 0. " +
	"For example, if the user drank regular water, assign sodium and some other relevant properties with value and serving size as 0."

const logNutrientsDescription = "Log a food or drink that is not in the catalog using nutrient values you estimate yourself. " +
	"Give the values for one serving; they are multiplied by servingSize. " +
	"Use this only when update_macros reports that the food was not found."

// Specs returns the tool declarations sent to the model. log_nutrients is
// declared only when model-asserted values are enabled.
func Specs(modelAsserted bool) []conversation.ToolSpec {
	specs := []conversation.ToolSpec{{
		Name:        NameUpdateMacros,
		Description: updateMacrosDescription,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":        map[string]any{"type": "string"},
				"servingSize": map[string]any{"type": "number"},
			},
			"required": []string{"servingSize", "name"},
		},
	}}
	if !modelAsserted {
		return specs
	}

	nutrients := make(map[string]any, len(nutrition.Fields))
	for _, f := range nutrition.Fields {
		nutrients[f] = map[string]any{"type": "number", "minimum": 0}
	}
	return append(specs, conversation.ToolSpec{
		Name:        NameLogNutrients,
		Description: logNutrientsDescription,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":        map[string]any{"type": "string"},
				"servingSize": map[string]any{"type": "number"},
				"nutrients": map[string]any{
					"type":       "object",
					"properties": nutrients,
					"required":   nutrition.Fields,
				},
			},
			"required": []string{"servingSize", "name", "nutrients"},
		},
	})
}
